// Package config loads node settings from YAML.
//
//	listen: ":28000"
//	server:
//	  require_key_exchange: true
//	  private_key_file: server.key
//	  puzzle_difficulty: 18
//	connection:
//	  adaptive: false
//	  min_packet_send_period: 32ms
//	  max_send_bandwidth: 8000
//	log:
//	  level: debug
//
// Omitted keys keep their Default values. The result converts into
// netif.Options through InterfaceOptions, and Apply configures each
// connection before it is handed to the interface.
package config

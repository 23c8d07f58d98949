// Package demo is a small arena game built on ghostlink. Each player owns a
// Ship that the server replicates to every client within scope range;
// players steer with an unguaranteed Steer event and talk with an ordered
// Chat event that the server relays to everyone.
package demo

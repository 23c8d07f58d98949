// Command ghostlink runs the demo arena and node tools.
//
//	ghostlink keygen --out server.key
//	ghostlink serve --config ghostlink.yaml
//	ghostlink connect --server 127.0.0.1:28000 --name alice --say "hello"
//	ghostlink puzzle --difficulty 20
package main

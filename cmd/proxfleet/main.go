// proxfleet is the CLI for the proxfleet instance lifecycle manager.
//
// Usage:
//
//	# Start the daemon
//	proxfleet up
//
//	# Create and start a forward proxy
//	proxfleet create office --type forward_proxy --port 3128
//	proxfleet user add office alice
//	proxfleet start office
//
//	# Create a TLS tunnel fronted by a cover site
//	proxfleet create vpn-front --type tls_tunnel --port 8443 \
//	    --forward 10.0.0.2:1194 --cover news.example.com
//
//	# Inspect the fleet
//	proxfleet list
//	proxfleet logs office --tail 50
//	proxfleet events --instance office
package main

func main() {
	Execute()
}

// Command topomesh-cli manages a topomesh cluster through any member.
//
// Usage:
//
//	topomesh-cli --server 10.0.0.1:7080 node put --host 192.0.2.10 --port 830 --wait r1
//	topomesh-cli node list -o yaml
//	topomesh-cli device read --store operational r1 /interfaces
//	topomesh-cli cluster status
package main

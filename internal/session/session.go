// Package session mirrors pairing sessions into Redis so operators and other
// processes can see who is waiting or paired on which server. The in-memory
// orchestrator stays authoritative; this is a read model fed by its events.
package session

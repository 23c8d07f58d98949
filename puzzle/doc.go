// Package puzzle implements the client puzzle that throttles connection
// floods during the handshake.
//
// A server hands out a nonce and a difficulty. The client must find a 32-bit
// value whose SHA-256 hash, taken together with its identity token and both
// nonces, begins with that many zero bits. Checking costs one hash; solving
// costs about 2^difficulty hashes, so the server commits no resources until
// the client has paid.
//
//	mgr, _ := puzzle.NewManager()
//	mgr.Tick()
//	switch mgr.CheckSolution(sol, clientNonce, serverNonce, difficulty, identity) {
//	case puzzle.Success:
//	    // accept the connection
//	case puzzle.InvalidClientNonce:
//	    // replayed solution
//	}
//
// Solve is time-sliced and returns after SolveSlice even when unsolved, so
// a client can call it once per tick without stalling.
package puzzle

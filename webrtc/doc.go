// Package webrtc drives offer/answer negotiation for one local participant
// against any number of remote peers over an untrusted signaling relay.
//
// Each remote peer gets a Session that owns exactly one connection, a FIFO of
// pending signals drained by at most one goroutine, the set of local ICE
// candidates already sent and the remote candidates staged until a remote
// description exists. Glare is resolved by gating: offers are only applied in
// the stable state and answers only in have-local-offer. Anything else is
// logged and dropped.
package webrtc

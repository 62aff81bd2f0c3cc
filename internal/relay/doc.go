// Package relay routes frames between the authenticated clients of a path.
//
// The relay never decrypts peer-to-peer traffic: it validates the nonce of
// every frame against the sender's slot and the per-destination cookie and
// sequence rules, then forwards the received bytes unchanged.
package relay

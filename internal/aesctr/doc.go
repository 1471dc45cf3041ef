// Package aesctr implements the XiaoZhi UDP audio packet encryption:
// AES in CTR mode keyed by the session key, with a 16-byte nonce derived
// per packet from the server-issued nonce template.
//
// Uplink nonce layout (big-endian):
//
//	[0,2)   template
//	[2,4)   ciphertext length
//	[4,12)  template
//	[12,16) packet sequence number
//
// Downlink packets carry their nonce verbatim as a 16-byte prefix.
package aesctr

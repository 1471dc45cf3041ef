// Package xiaozhi implements the device side of a XiaoZhi voice session.
//
// A Controller exchanges JSON control messages (hello, listen, tts, asr,
// llm, goodbye, abort) over a control channel. When the server answers a
// hello with a udp block, the controller opens one UDP association and
// runs two pipelines on it:
//
//   - the uplink captures microphone frames, resamples them to the session
//     rate, encodes them and sends nonce||AES-CTR(frame) while listening
//     is asserted;
//   - the downlink receives packets, decrypts and decodes them into a
//     jitter buffer, and a playback loop drains the buffer at the frame
//     cadence, writing silence when it runs dry.
//
// Session parameters live in an immutable Session snapshot swapped
// atomically on every hello, so pipelines never observe a half-updated
// key or endpoint.
package xiaozhi

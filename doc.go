// # Realtime voice-assistant session controller
//
// This package bridges a duplex audio device (microphone in, speaker out) with a persistent
// streaming connection to a remote conversational agent. Captured audio is base64-framed into
// input_audio_buffer.append events, audio deltas from the agent are decoded into the speaker,
// and agent-issued function calls are dispatched to local handlers that must acknowledge every
// call with a function_call_output item.
//
// Transports live under transport/, the audio device under device/, function handlers under
// functions/ and the CLI wiring under agents/.
package assistant

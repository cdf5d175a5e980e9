// Package relay routes events between sensor devices and the observers
// watching them.
//
// Each connection starts unregistered. Registering as a device binds it to a
// topic and marks the topic online. Registering as an observer subscribes
// it to a topic. After that:
//
//   - temperature_data and led_state from the bound device update the topic
//     and fan out to every observer and to the secondary stream
//   - led_control from an observer is forwarded to the bound device only, or
//     answered with a DeviceUnavailable error when nothing is bound
//   - closing the bound device connection marks the topic offline and fans
//     out device_disconnected
//
// Errors are sent to the originating connection only and never close it.
package relay

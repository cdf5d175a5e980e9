// Package session tracks which live connections are registered as devices
// or observers and which topic each one is bound to.
//
// The Table keeps the topic registry in step with registrations. Binding a
// device marks its topic online and removing the bound device marks it
// offline again. A second device registering for the same topic replaces
// the binding without notifying the previous connection.
//
// Observers and bound devices are indexed per topic so that finding the
// recipients of a fan-out costs no more than the number of recipients.
//
// Usage:
//
//	registry := topic.NewRegistry()
//	table := session.NewTable(registry)
//
//	// A sensor connects
//	sess, _, err := table.RegisterDevice(connID, "sensor-01")
//	if err != nil {
//		return err
//	}
//
//	// Everyone watching it
//	for _, obs := range table.ObserversOf(sess.Topic) {
//		...
//	}
package session

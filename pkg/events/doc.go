/*
Package events provides an in-memory event broker for fleet-runtime pub/sub.

It broadcasts certificate-lifecycle, registry, and dispatch events to any
number of subscribers over buffered channels. Publish never blocks: a full
broker queue or a full subscriber buffer drops the event rather than stall
the publisher.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for ev := range sub {
			log.Info(ev.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventWorkerRegistered,
		Message: "worker enrolled",
		Metadata: map[string]string{"worker_id": "worker-7f2a"},
	})

pkg/security and pkg/ca publish certificate events (csr.generated through
ca.unavailable); pkg/controller publishes registry transitions
(worker.registered through worker.revoked) and dispatch outcomes. Delivery
is best-effort — there is no replay, no persistence, and no ordering
guarantee across subscribers.
*/
package events

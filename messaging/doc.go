// Package messaging implements request/reply on top of an asynchronous,
// partitioned publish/subscribe transport.
//
// The package is organized around these components:
//   - CorrelationRegistry: pending calls keyed by correlation id, resolved exactly once
//   - RequestReplyClient: sends a request and returns a Promise for its reply
//   - ReplyDispatcher: consumes this instance's reply topic and resolves pending calls
//   - MessagePublisher: one-way sends with a local publish acknowledgment
//   - RequestReplyServer: consumes requests, dispatches by command tag and replies
//
// Example usage:
//
//	registry := messaging.NewCorrelationRegistry(messaging.WithMaxInFlight(1000))
//	dispatcher := messaging.NewReplyDispatcher(transport, registry, replyTopic)
//	if err := dispatcher.Start(ctx); err != nil {
//		return err
//	}
//	client := messaging.NewRequestReplyClient(transport, registry, replyTopic)
//
//	promise, err := client.SendPromiseQuery(ctx, contracts.CommandRequestDeposit, req,
//		messaging.WithTimeout(10*time.Second))
//	if err != nil {
//		return err
//	}
//	reply, err := promise.Get(ctx)
//
// A reply payload stays raw until the caller decodes it into a type of its choice
// with Reply.Decode or DecodeReply.
package messaging

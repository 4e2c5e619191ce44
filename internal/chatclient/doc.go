// Package chatclient is the client side of the gateway's chat protocol.
//
// Client sends turns to POST /api/chat and decodes the envelope stream with
// StreamDecoder. It also wraps the /history endpoints. List and Read fall
// back to a local Snapshot when the gateway cannot be reached; mutating calls
// never do.
//
// State and Reduce hold what a front end displays. Because every envelope
// repeats the whole answer so far under one message id, ReceiveEnvelope
// replaces that message instead of appending:
//
//	s := chatclient.NewState(uuid.NewString())
//	s = chatclient.Reduce(s, chatclient.StreamStarted{})
//	err := c.Chat(ctx, chatclient.Ask(s.ConversationID, q, ""), func(env *chat.Envelope) error {
//		s = chatclient.Reduce(s, chatclient.ReceiveEnvelope{Envelope: env})
//		return nil
//	})
//
// Envelopes are applied only between StreamStarted and StreamFinished, and
// only to the open conversation, so a stream abandoned by selecting another
// conversation cannot write into it.
//
// History paging stops on the first short page; NextPageRequest reports
// ok=false from then on.
package chatclient

package acp

import (
	"github.com/smallnest/acpgate/config"
)

// ThreadRoute is the outcome of routing an inbound channel message.
type ThreadRoute struct {
	// SessionKey is the bound ACP session, empty when the thread routes
	// nowhere.
	SessionKey string

	// Binding is the record the route came from.
	Binding *ThreadBindingRecord
}

// RouteThreadMessage resolves where a message in a channel thread should go.
// A live, unexpired binding wins; otherwise the message stays unrouted and
// the channel layer handles it normally.
func RouteThreadMessage(cfg *config.Config, channel, accountID, threadID string) ThreadRoute {
	if threadID == "" {
		return ThreadRoute{}
	}

	policy := ResolveThreadBindingSpawnPolicy(cfg, channel, accountID, "acp")
	if !policy.Enabled {
		return ThreadRoute{}
	}

	binder := GetGlobalThreadBinder()
	if binder == nil {
		return ThreadRoute{}
	}

	binding := binder.GetByThread(channel, accountID, threadID)
	if binding == nil {
		return ThreadRoute{}
	}

	return ThreadRoute{
		SessionKey: binding.SessionKey,
		Binding:    binding,
	}
}

// Package standard provides the built-in matchers and mailets.
//
// Matchers:
//
//	All                        every recipient
//	RecipientIs=a@x,b@y        listed recipients
//	SenderIs=a@x,b@y           every recipient when the sender is listed
//	SenderIsNull               every recipient when the sender is null
//	HostIs=example.com,...     recipients in the listed domains
//	HostIsLocal                recipients in a local domain
//	RecipientIsLocal           alias of HostIsLocal
//	HasAttribute=name[=value]  every recipient when the attribute is set
//	HeaderIs=Name:value        every recipient when a header has the value
//	SizeGreaterThan=10mb       every recipient when the body is larger
//	RetryCountAbove=N          every recipient after more than N failures
//	SieveMatch=/path.sieve     recipients the script does not keep for
//
// Mailets: Null, ToProcessor, SetAttribute, RemoveAttribute, AddHeader,
// RemoveHeader, Retry, Bounce, ToRepository, RemoteDelivery, IMAPAppend
// and Log.
package standard

import (
	"log/slog"

	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/mailet"
)

// Register adds all built-in matchers and mailets to reg.
func Register(reg *mailet.Registry) {
	reg.RegisterMatcher("All", newAll)
	reg.RegisterMatcher("RecipientIs", newRecipientIs)
	reg.RegisterMatcher("SenderIs", newSenderIs)
	reg.RegisterMatcher("SenderIsNull", newSenderIsNull)
	reg.RegisterMatcher("HostIs", newHostIs)
	reg.RegisterMatcher("HostIsLocal", newHostIsLocal)
	reg.RegisterMatcher("RecipientIsLocal", newHostIsLocal)
	reg.RegisterMatcher("HasAttribute", newHasAttribute)
	reg.RegisterMatcher("HeaderIs", newHeaderIs)
	reg.RegisterMatcher("SizeGreaterThan", newSizeGreaterThan)
	reg.RegisterMatcher("RetryCountAbove", newRetryCountAbove)
	reg.RegisterMatcher("SieveMatch", newSieveMatch)

	reg.RegisterMailet("Null", newNull)
	reg.RegisterMailet("ToProcessor", newToProcessor)
	reg.RegisterMailet("SetAttribute", newSetAttribute)
	reg.RegisterMailet("RemoveAttribute", newRemoveAttribute)
	reg.RegisterMailet("AddHeader", newAddHeader)
	reg.RegisterMailet("RemoveHeader", newRemoveHeader)
	reg.RegisterMailet("Retry", newRetry)
	reg.RegisterMailet("Bounce", newBounce)
	reg.RegisterMailet("ToRepository", newToRepository)
	reg.RegisterMailet("RemoteDelivery", newRemoteDelivery)
	reg.RegisterMailet("IMAPAppend", newIMAPAppend)
	reg.RegisterMailet("Log", newLog)
}

// NewRegistry returns a registry holding the built-in units.
func NewRegistry() *mailet.Registry {
	reg := mailet.NewRegistry()
	Register(reg)
	return reg
}

func loggerOf(cfg mailet.Config) *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return logger.With("processor", cfg.Processor, "mailet", cfg.Name)
}

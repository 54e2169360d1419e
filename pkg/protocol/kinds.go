package protocol

// Kind is the wire discriminator carried in the "type" field of every frame.
type Kind string

const (
	KindInit           Kind = "init"
	KindReady          Kind = "ready"
	KindError          Kind = "error"
	KindRegisterRoute  Kind = "registerRoute"
	KindRegisterHook   Kind = "registerHook"
	KindRegisterUISlot Kind = "registerUiSlot"
	KindRegisterAsset  Kind = "registerAsset"
	KindRegisterWidget Kind = "registerWidget"
	KindRegisterCron   Kind = "registerCron"
	KindInvokeRoute    Kind = "invokeRoute"
	KindRouteResult    Kind = "routeResult"
	KindInvokeHook     Kind = "invokeHook"
	KindLifecycle      Kind = "lifecycle"
	KindDeactivated    Kind = "deactivated"
	KindDBRequest      Kind = "dbRequest"
	KindDBResponse     Kind = "dbResponse"
	KindFetch          Kind = "fetch"
	KindFetchResult    Kind = "fetchResult"
	KindFSRead         Kind = "fsRead"
	KindFSResult       Kind = "fsResult"
)

// Direction tells which side of the boundary originates a kind.
type Direction int

const (
	DirectionUnknown Direction = iota
	HostToSandbox
	SandboxToHost
)

func (d Direction) String() string {
	switch d {
	case HostToSandbox:
		return "host->sandbox"
	case SandboxToHost:
		return "sandbox->host"
	default:
		return "unknown"
	}
}

var kindDirections = map[Kind]Direction{
	KindInit:           HostToSandbox,
	KindInvokeRoute:    HostToSandbox,
	KindInvokeHook:     HostToSandbox,
	KindLifecycle:      HostToSandbox,
	KindDBResponse:     HostToSandbox,
	KindFetchResult:    HostToSandbox,
	KindFSResult:       HostToSandbox,
	KindReady:          SandboxToHost,
	KindError:          SandboxToHost,
	KindRegisterRoute:  SandboxToHost,
	KindRegisterHook:   SandboxToHost,
	KindRegisterUISlot: SandboxToHost,
	KindRegisterAsset:  SandboxToHost,
	KindRegisterWidget: SandboxToHost,
	KindRegisterCron:   SandboxToHost,
	KindDeactivated:    SandboxToHost,
	KindRouteResult:    SandboxToHost,
	KindDBRequest:      SandboxToHost,
	KindFetch:          SandboxToHost,
	KindFSRead:         SandboxToHost,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kindDirections[k]
	return ok
}

// Direction returns the side that sends messages of this kind.
func (k Kind) Direction() Direction {
	return kindDirections[k]
}

// IsRequest reports whether the kind opens a correlated exchange.
func (k Kind) IsRequest() bool {
	switch k {
	case KindInvokeRoute, KindDBRequest, KindFetch, KindFSRead:
		return true
	}
	return false
}

// IsResponse reports whether the kind closes a correlated exchange.
func (k Kind) IsResponse() bool {
	switch k {
	case KindRouteResult, KindDBResponse, KindFetchResult, KindFSResult:
		return true
	}
	return false
}

// IsAnnouncement reports whether the kind is a one-way registration notice.
func (k Kind) IsAnnouncement() bool {
	switch k {
	case KindRegisterRoute, KindRegisterHook, KindRegisterUISlot,
		KindRegisterAsset, KindRegisterWidget, KindRegisterCron:
		return true
	}
	return false
}

// ResponseKind returns the kind that answers a request kind, or "" when k is not a request.
func (k Kind) ResponseKind() Kind {
	switch k {
	case KindInvokeRoute:
		return KindRouteResult
	case KindDBRequest:
		return KindDBResponse
	case KindFetch:
		return KindFetchResult
	case KindFSRead:
		return KindFSResult
	}
	return ""
}

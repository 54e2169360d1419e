package protocol

import "github.com/harun/sandbridge/pkg/capability"

// Message is a value that crosses the sandbox boundary.
// The set of implementations is closed; dispatchers switch on the concrete type.
type Message interface {
	Kind() Kind
	isMessage()
}

// Correlated is implemented by every request and response message.
type Correlated interface {
	Message
	CorrelationID() string
}

// Init asks the sandbox to load a plugin and register its extensions.
type Init struct {
	PluginName   string                `json:"pluginName"`
	Capabilities capability.Descriptor `json:"capabilities"`
	Config       map[string]any        `json:"config,omitempty"`
}

// Ready reports that registration finished.
type Ready struct{}

// Error reports that initialization failed. The sandbox is inert afterwards.
type Error struct {
	Message string `json:"message"`
}

// RegisterRoute announces an HTTP route handled by the plugin.
type RegisterRoute struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	Permission string `json:"permission,omitempty"`
}

// RegisterHook announces a named hook handler.
type RegisterHook struct {
	Name       string `json:"name"`
	Permission string `json:"permission,omitempty"`
}

// RegisterUISlot announces a UI extension point.
type RegisterUISlot struct {
	Slot  string `json:"slot"`
	Label string `json:"label"`
	URL   string `json:"url"`
}

// AssetKind identifies the kind of a registered asset.
type AssetKind string

const (
	AssetScript AssetKind = "script"
	AssetStyle  AssetKind = "style"
)

// RegisterAsset announces a static asset.
type RegisterAsset struct {
	Type AssetKind `json:"kind"`
	URL  string    `json:"url"`
}

// RegisterWidget announces a dashboard widget.
type RegisterWidget struct {
	Widget    string `json:"widget"`
	Label     string `json:"label"`
	RenderURL string `json:"renderUrl"`
}

// RegisterCron announces a scheduled job. The sandbox runs the schedule itself.
type RegisterCron struct {
	Schedule   string `json:"schedule"`
	Permission string `json:"permission,omitempty"`
}

// RouteRequest is the request payload forwarded by the host HTTP layer.
type RouteRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// RouteResponse is the normalized result of a route handler.
type RouteResponse struct {
	Status  int               `json:"status"`
	Body    any               `json:"body"`
	Headers map[string]string `json:"headers"`
}

// InvokeRoute asks the sandbox to run a route handler.
type InvokeRoute struct {
	ID  string       `json:"id"`
	Req RouteRequest `json:"req"`
}

// RouteResult answers InvokeRoute.
type RouteResult struct {
	ID       string        `json:"id"`
	Response RouteResponse `json:"response"`
}

// InvokeHook fans a hook out to every handler registered under Name. No reply is sent.
type InvokeHook struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

// Phase is a lifecycle phase delivered to the sandbox.
type Phase string

const (
	PhaseDeactivate Phase = "deactivate"
)

// Lifecycle notifies the sandbox of a lifecycle transition.
type Lifecycle struct {
	Phase Phase `json:"phase"`
}

// Deactivated acknowledges a deactivate phase once the plugin's hook returned.
type Deactivated struct{}

// DBOperation is the operation requested from the host database.
type DBOperation string

const (
	OpFindMany DBOperation = "findMany"
	OpFindOne  DBOperation = "findOne"
	OpInsert   DBOperation = "insert"
	OpUpdate   DBOperation = "update"
	OpDelete   DBOperation = "delete"
)

// Valid reports whether o is a known operation.
func (o DBOperation) Valid() bool {
	switch o {
	case OpFindMany, OpFindOne, OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// IsWrite reports whether o mutates data.
func (o DBOperation) IsWrite() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// DBQuery is the payload of a database request.
type DBQuery struct {
	Operation DBOperation    `json:"operation"`
	Table     string         `json:"table"`
	Where     map[string]any `json:"where,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
	OrderBy   string         `json:"orderBy,omitempty"`
}

// DBRequest asks the host to run a database operation.
type DBRequest struct {
	ID  string  `json:"id"`
	Req DBQuery `json:"req"`
}

// DBResponse answers DBRequest with either Data or Error.
type DBResponse struct {
	ID    string `json:"id"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// FetchInit carries the optional request options of a fetch.
type FetchInit struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// FetchResponse is the serialized HTTP response returned by the host.
type FetchResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Fetch asks the host to perform an outbound HTTP request.
type Fetch struct {
	ID   string     `json:"id"`
	URL  string     `json:"url"`
	Init *FetchInit `json:"init,omitempty"`
}

// FetchResult answers Fetch with either Response or Error.
type FetchResult struct {
	ID       string         `json:"id"`
	Response *FetchResponse `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// FSMethod selects how a file is returned.
type FSMethod string

const (
	FSReadText FSMethod = "readText"
	FSReadFile FSMethod = "readFile"
)

// FSRead asks the host to read a file from the plugin's directory.
type FSRead struct {
	ID     string   `json:"id"`
	Path   string   `json:"path"`
	Method FSMethod `json:"method"`
}

// FSResult answers FSRead with either Data or Error.
type FSResult struct {
	ID    string `json:"id"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func (Init) Kind() Kind           { return KindInit }
func (Ready) Kind() Kind          { return KindReady }
func (Error) Kind() Kind          { return KindError }
func (RegisterRoute) Kind() Kind  { return KindRegisterRoute }
func (RegisterHook) Kind() Kind   { return KindRegisterHook }
func (RegisterUISlot) Kind() Kind { return KindRegisterUISlot }
func (RegisterAsset) Kind() Kind  { return KindRegisterAsset }
func (RegisterWidget) Kind() Kind { return KindRegisterWidget }
func (RegisterCron) Kind() Kind   { return KindRegisterCron }
func (InvokeRoute) Kind() Kind    { return KindInvokeRoute }
func (RouteResult) Kind() Kind    { return KindRouteResult }
func (InvokeHook) Kind() Kind     { return KindInvokeHook }
func (Lifecycle) Kind() Kind      { return KindLifecycle }
func (Deactivated) Kind() Kind    { return KindDeactivated }
func (DBRequest) Kind() Kind      { return KindDBRequest }
func (DBResponse) Kind() Kind     { return KindDBResponse }
func (Fetch) Kind() Kind          { return KindFetch }
func (FetchResult) Kind() Kind    { return KindFetchResult }
func (FSRead) Kind() Kind         { return KindFSRead }
func (FSResult) Kind() Kind       { return KindFSResult }

func (Init) isMessage()           {}
func (Ready) isMessage()          {}
func (Error) isMessage()          {}
func (RegisterRoute) isMessage()  {}
func (RegisterHook) isMessage()   {}
func (RegisterUISlot) isMessage() {}
func (RegisterAsset) isMessage()  {}
func (RegisterWidget) isMessage() {}
func (RegisterCron) isMessage()   {}
func (InvokeRoute) isMessage()    {}
func (RouteResult) isMessage()    {}
func (InvokeHook) isMessage()     {}
func (Lifecycle) isMessage()      {}
func (Deactivated) isMessage()    {}
func (DBRequest) isMessage()      {}
func (DBResponse) isMessage()     {}
func (Fetch) isMessage()          {}
func (FetchResult) isMessage()    {}
func (FSRead) isMessage()         {}
func (FSResult) isMessage()       {}

func (m InvokeRoute) CorrelationID() string { return m.ID }
func (m RouteResult) CorrelationID() string { return m.ID }
func (m DBRequest) CorrelationID() string   { return m.ID }
func (m DBResponse) CorrelationID() string  { return m.ID }
func (m Fetch) CorrelationID() string       { return m.ID }
func (m FetchResult) CorrelationID() string { return m.ID }
func (m FSRead) CorrelationID() string      { return m.ID }
func (m FSResult) CorrelationID() string    { return m.ID }

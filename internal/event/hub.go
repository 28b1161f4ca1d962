package event

import (
	"net/http"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"

	"mediakit/internal/ini"
	"mediakit/pkg/models"
)

type slot struct {
	id uint64
	fn any
}

// Hub dispatches server events to at most one handler per kind.
// Handlers run synchronously on the goroutine that raised the event, so
// they must be safe for concurrent use and must not block for long.
type Hub struct {
	mu       sync.RWMutex
	handlers map[Kind]slot
	nextID   uint64
	running  bool
	cfg      *ini.Ini
}

// NewHub creates a hub whose defaults read cfg. A nil cfg selects the
// process-wide ini store.
func NewHub(cfg *ini.Ini) *Hub {
	if cfg == nil {
		cfg = ini.Default()
	}
	return &Hub{
		handlers: make(map[Kind]slot),
		cfg:      cfg,
	}
}

// Init starts dispatching to registered handlers
func (h *Hub) Init() {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
	logrus.Debug("event hub started")
}

// Shutdown drops every handler. Later events get the default action.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.running = false
	h.handlers = make(map[Kind]slot)
	h.mu.Unlock()
	logrus.Debug("event hub shut down")
}

// Registration is the handle returned by every On method
type Registration struct {
	hub  *Hub
	kind Kind
	id   uint64
}

// Kind returns the event kind the handler was installed for
func (r *Registration) Kind() Kind {
	return r.kind
}

// Unregister removes the handler if it is still the one installed for
// its kind. It reports whether anything was removed.
func (r *Registration) Unregister() bool {
	h := r.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.handlers[r.kind]; ok && s.id == r.id {
		delete(h.handlers, r.kind)
		return true
	}
	return false
}

// register installs fn for kind. A nil handler clears the kind, restoring
// the default action.
func (h *Hub) register(kind Kind, fn any) *Registration {
	h.mu.Lock()
	h.nextID++
	if v := reflect.ValueOf(fn); !v.IsValid() || v.IsNil() {
		delete(h.handlers, kind)
		reg := &Registration{hub: h, kind: kind, id: h.nextID}
		h.mu.Unlock()
		return reg
	}
	_, replaced := h.handlers[kind]
	h.handlers[kind] = slot{id: h.nextID, fn: fn}
	reg := &Registration{hub: h, kind: kind, id: h.nextID}
	h.mu.Unlock()

	// logged unlocked: the Log event may be routed back through the hub
	if replaced {
		logrus.WithField("kind", kind).Debug("replacing event handler")
	}
	return reg
}

func (h *Hub) handler(kind Kind) any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return nil
	}
	return h.handlers[kind].fn
}

func (h *Hub) OnMediaChanged(fn func(MediaChangedEvent)) *Registration {
	return h.register(KindMediaChanged, fn)
}

// OnMediaPublish installs the publish policy. The handler must answer
// through the event's invoker exactly once.
func (h *Hub) OnMediaPublish(fn func(MediaPublishEvent)) *Registration {
	return h.register(KindMediaPublish, fn)
}

// OnMediaNotFound installs the on-demand source hook. Returning true
// means the handler will try to create the stream; the requester then
// waits for it instead of being rejected at once.
func (h *Hub) OnMediaNotFound(fn func(MediaNotFoundEvent) bool) *Registration {
	return h.register(KindMediaNotFound, fn)
}

// OnMediaPlay installs the play policy. A nil error allows the reader.
func (h *Hub) OnMediaPlay(fn func(MediaPlayEvent) error) *Registration {
	return h.register(KindMediaPlay, fn)
}

func (h *Hub) OnMediaNoReader(fn func(MediaNoReaderEvent)) *Registration {
	return h.register(KindMediaNoReader, fn)
}

// OnHTTPRequest installs the HTTP intercept. Returning true consumes the
// request and nothing is written until the invoker is called.
func (h *Hub) OnHTTPRequest(fn func(HTTPRequestEvent) bool) *Registration {
	return h.register(KindHTTPRequest, fn)
}

// OnHTTPBeforeAccess installs a path rewrite applied to file requests
func (h *Hub) OnHTTPBeforeAccess(fn func(HTTPBeforeAccessEvent) string) *Registration {
	return h.register(KindHTTPBeforeAccess, fn)
}

func (h *Hub) OnRtspGetRealm(fn func(RtspGetRealmEvent)) *Registration {
	return h.register(KindRtspGetRealm, fn)
}

func (h *Hub) OnRtspAuth(fn func(RtspAuthEvent)) *Registration {
	return h.register(KindRtspAuth, fn)
}

func (h *Hub) OnRecordMP4(fn func(RecordEvent)) *Registration {
	return h.register(KindRecordMP4, fn)
}

func (h *Hub) OnRecordTS(fn func(RecordEvent)) *Registration {
	return h.register(KindRecordTS, fn)
}

func (h *Hub) OnShellLogin(fn func(ShellLoginEvent)) *Registration {
	return h.register(KindShellLogin, fn)
}

func (h *Hub) OnFlowReport(fn func(FlowReportEvent)) *Registration {
	return h.register(KindFlowReport, fn)
}

func (h *Hub) OnLog(fn func(LogEvent)) *Registration {
	return h.register(KindLog, fn)
}

func (h *Hub) OnMediaSendRtpStop(fn func(MediaSendRtpStopEvent)) *Registration {
	return h.register(KindMediaSendRtpStop, fn)
}

func (h *Hub) OnSCTPConnecting(fn func(SCTPEvent)) *Registration {
	return h.register(KindSCTPConnecting, fn)
}

func (h *Hub) OnSCTPConnected(fn func(SCTPEvent)) *Registration {
	return h.register(KindSCTPConnected, fn)
}

func (h *Hub) OnSCTPClosed(fn func(SCTPEvent)) *Registration {
	return h.register(KindSCTPClosed, fn)
}

func (h *Hub) OnSCTPFailed(fn func(SCTPEvent)) *Registration {
	return h.register(KindSCTPFailed, fn)
}

func (h *Hub) OnSCTPSend(fn func(SCTPEvent)) *Registration {
	return h.register(KindSCTPSend, fn)
}

func (h *Hub) OnSCTPReceived(fn func(SCTPEvent)) *Registration {
	return h.register(KindSCTPReceived, fn)
}

// MediaChanged reports a registration transition of src
func (h *Hub) MediaChanged(registered bool, src Source) {
	if fn, ok := h.handler(KindMediaChanged).(func(MediaChangedEvent)); ok {
		fn(MediaChangedEvent{Registered: registered, Source: src})
	}
}

// MediaPublish asks the policy whether a publisher may push. Without a
// handler the publisher is allowed with recording flags from the ini store.
func (h *Hub) MediaPublish(url models.MediaInfo, sender models.SockInfo, invoker *PublishInvoker) {
	if fn, ok := h.handler(KindMediaPublish).(func(MediaPublishEvent)); ok {
		fn(MediaPublishEvent{URL: url, Invoker: invoker, Sender: sender})
		return
	}
	_ = invoker.CallWithConfig(h.cfg, "")
}

// MediaNotFound reports whether the application will create the stream
func (h *Hub) MediaNotFound(url models.MediaInfo, sender models.SockInfo) bool {
	if fn, ok := h.handler(KindMediaNotFound).(func(MediaNotFoundEvent) bool); ok {
		return fn(MediaNotFoundEvent{URL: url, Sender: sender})
	}
	return false
}

// MediaPlay runs the play policy and answers invoker with its verdict
func (h *Hub) MediaPlay(url models.MediaInfo, sender models.SockInfo, invoker *AuthInvoker) {
	fn, ok := h.handler(KindMediaPlay).(func(MediaPlayEvent) error)
	if !ok {
		_ = invoker.Allow()
		return
	}
	if err := fn(MediaPlayEvent{URL: url, Sender: sender}); err != nil {
		_ = invoker.Deny("play rejected: " + err.Error())
		return
	}
	_ = invoker.Allow()
}

func (h *Hub) MediaNoReader(src Source) {
	if fn, ok := h.handler(KindMediaNoReader).(func(MediaNoReaderEvent)); ok {
		fn(MediaNoReaderEvent{Source: src})
	}
}

// HTTPRequest reports whether the application consumed req
func (h *Hub) HTTPRequest(req *http.Request, sender models.SockInfo, invoker *HTTPResponseInvoker) bool {
	if fn, ok := h.handler(KindHTTPRequest).(func(HTTPRequestEvent) bool); ok {
		return fn(HTTPRequestEvent{Request: req, Invoker: invoker, Sender: sender})
	}
	return false
}

// HTTPBeforeAccess returns the path a file request should be served from
func (h *Hub) HTTPBeforeAccess(req *http.Request, sender models.SockInfo, path string) string {
	if fn, ok := h.handler(KindHTTPBeforeAccess).(func(HTTPBeforeAccessEvent) string); ok {
		return fn(HTTPBeforeAccessEvent{Request: req, Sender: sender, Path: path})
	}
	return path
}

// RtspGetRealm asks for the auth realm. No handler means no authentication.
func (h *Hub) RtspGetRealm(url models.MediaInfo, sender models.SockInfo, invoker *RealmInvoker) {
	if fn, ok := h.handler(KindRtspGetRealm).(func(RtspGetRealmEvent)); ok {
		fn(RtspGetRealmEvent{URL: url, Invoker: invoker, Sender: sender})
		return
	}
	_ = invoker.Invoke("")
}

// RtspAuth asks for the password of user. Without a handler the user is denied.
func (h *Hub) RtspAuth(url models.MediaInfo, realm, user string, mustNoEncrypt bool, sender models.SockInfo, invoker *RtspAuthInvoker) {
	if fn, ok := h.handler(KindRtspAuth).(func(RtspAuthEvent)); ok {
		fn(RtspAuthEvent{
			URL:           url,
			Realm:         realm,
			User:          user,
			MustNoEncrypt: mustNoEncrypt,
			Invoker:       invoker,
			Sender:        sender,
		})
		return
	}
	_ = invoker.Deny()
}

func (h *Hub) RecordMP4(info models.RecordInfo) {
	if fn, ok := h.handler(KindRecordMP4).(func(RecordEvent)); ok {
		fn(RecordEvent{Info: info})
	}
}

func (h *Hub) RecordTS(info models.RecordInfo) {
	if fn, ok := h.handler(KindRecordTS).(func(RecordEvent)); ok {
		fn(RecordEvent{Info: info})
	}
}

func (h *Hub) ShellLogin(ev ShellLoginEvent) {
	if fn, ok := h.handler(KindShellLogin).(func(ShellLoginEvent)); ok {
		fn(ev)
	}
}

func (h *Hub) FlowReport(ev FlowReportEvent) {
	if fn, ok := h.handler(KindFlowReport).(func(FlowReportEvent)); ok {
		fn(ev)
	}
}

func (h *Hub) Log(ev LogEvent) {
	if fn, ok := h.handler(KindLog).(func(LogEvent)); ok {
		fn(ev)
	}
}

func (h *Hub) MediaSendRtpStop(ev MediaSendRtpStopEvent) {
	if fn, ok := h.handler(KindMediaSendRtpStop).(func(MediaSendRtpStopEvent)); ok {
		fn(ev)
	}
}

// SCTP raises one of the data channel kinds
func (h *Hub) SCTP(kind Kind, ev SCTPEvent) {
	if kind < KindSCTPConnecting || kind > KindSCTPReceived {
		return
	}
	if fn, ok := h.handler(kind).(func(SCTPEvent)); ok {
		fn(ev)
	}
}

package event

import (
	"errors"
	"net/http"
	"sync/atomic"

	"mediakit/internal/ini"
)

// ErrInvokerUsed is returned when an invoker is called a second time
var ErrInvokerUsed = errors.New("invoker already used")

// once guards the single answer an invoker may give
type once struct {
	used atomic.Bool
}

func (o *once) take() error {
	if !o.used.CompareAndSwap(false, true) {
		return ErrInvokerUsed
	}
	return nil
}

// Used reports whether the invoker has already answered
func (o *once) Used() bool {
	return o.used.Load()
}

// AuthInvoker answers an allow/deny decision for a play request.
// An empty error message means allow.
type AuthInvoker struct {
	once
	fn func(errMsg string)
}

// NewAuthInvoker wraps fn into a single-use invoker
func NewAuthInvoker(fn func(errMsg string)) *AuthInvoker {
	return &AuthInvoker{fn: fn}
}

// Allow accepts the request
func (i *AuthInvoker) Allow() error {
	return i.Deny("")
}

// Deny rejects the request with reason
func (i *AuthInvoker) Deny(reason string) error {
	if err := i.take(); err != nil {
		return err
	}
	i.fn(reason)
	return nil
}

// PublishInvoker answers a publish request. A non-empty error message
// rejects the publisher; otherwise the flags select side recording.
type PublishInvoker struct {
	once
	fn func(errMsg string, enableMP4, enableHLS bool)
}

// NewPublishInvoker wraps fn into a single-use invoker
func NewPublishInvoker(fn func(errMsg string, enableMP4, enableHLS bool)) *PublishInvoker {
	return &PublishInvoker{fn: fn}
}

// Call answers the publish request
func (i *PublishInvoker) Call(errMsg string, enableMP4, enableHLS bool) error {
	if err := i.take(); err != nil {
		return err
	}
	i.fn(errMsg, enableMP4, enableHLS)
	return nil
}

// CallWithConfig answers the request taking the recording flags from cfg
func (i *PublishInvoker) CallWithConfig(cfg *ini.Ini, errMsg string) error {
	return i.Call(errMsg, cfg.GetBool(ini.KeyEnableMP4), cfg.GetBool(ini.KeyEnableHLS))
}

// HTTPResponseInvoker sends the response of a consumed HTTP request
type HTTPResponseInvoker struct {
	once
	fn func(code int, header http.Header, body []byte)
}

// NewHTTPResponseInvoker wraps fn into a single-use invoker
func NewHTTPResponseInvoker(fn func(code int, header http.Header, body []byte)) *HTTPResponseInvoker {
	return &HTTPResponseInvoker{fn: fn}
}

// Invoke writes the response
func (i *HTTPResponseInvoker) Invoke(code int, header http.Header, body []byte) error {
	if err := i.take(); err != nil {
		return err
	}
	i.fn(code, header, body)
	return nil
}

// RealmInvoker answers the realm challenge of an RTSP request. An empty
// realm disables authentication for the request.
type RealmInvoker struct {
	once
	fn func(realm string)
}

// NewRealmInvoker wraps fn into a single-use invoker
func NewRealmInvoker(fn func(realm string)) *RealmInvoker {
	return &RealmInvoker{fn: fn}
}

// Invoke answers with realm
func (i *RealmInvoker) Invoke(realm string) error {
	if err := i.take(); err != nil {
		return err
	}
	i.fn(realm)
	return nil
}

// RtspAuthInvoker answers an RTSP credential check with the expected
// password, or its md5 digest when encrypted is set.
type RtspAuthInvoker struct {
	once
	fn func(encrypted bool, pwdOrMD5 string, ok bool)
}

// NewRtspAuthInvoker wraps fn into a single-use invoker. ok is false when
// the handler denied the user outright.
func NewRtspAuthInvoker(fn func(encrypted bool, pwdOrMD5 string, ok bool)) *RtspAuthInvoker {
	return &RtspAuthInvoker{fn: fn}
}

// Invoke supplies the password the client must prove
func (i *RtspAuthInvoker) Invoke(encrypted bool, pwdOrMD5 string) error {
	if err := i.take(); err != nil {
		return err
	}
	i.fn(encrypted, pwdOrMD5, true)
	return nil
}

// Deny rejects the user without a password check
func (i *RtspAuthInvoker) Deny() error {
	if err := i.take(); err != nil {
		return err
	}
	i.fn(false, "", false)
	return nil
}

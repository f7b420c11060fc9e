package sam

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// ErrConnection is matched by errors caused by an unreachable bridge or an
// unreachable peer destination.
var ErrConnection = errors.New("sam: connection failed")

// ErrProtocol is matched by malformed requests or replies, and by any result
// the bridge reports that is not a connection or timeout failure.
var ErrProtocol = errors.New("sam: protocol error")

// ErrTimeout is matched when a request did not complete before its deadline.
var ErrTimeout = errors.New("sam: timeout")

// ErrSessionExists is returned when a session is registered on a Client that
// already has one.
var ErrSessionExists = errors.New("sam: session already registered on this client")

// ErrNoSession is returned by AcceptStream when no session is registered.
var ErrNoSession = errors.New("sam: no session registered")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("sam: client closed")

// Result codes sent by the bridge.
const (
	ResultOK             = "OK"
	ResultCantReachPeer  = "CANT_REACH_PEER"
	ResultDuplicatedID   = "DUPLICATED_ID"
	ResultDuplicatedDest = "DUPLICATED_DEST"
	ResultI2PError       = "I2P_ERROR"
	ResultInvalidKey     = "INVALID_KEY"
	ResultInvalidID      = "INVALID_ID"
	ResultKeyNotFound    = "KEY_NOT_FOUND"
	ResultPeerNotFound   = "PEER_NOT_FOUND"
	ResultTimeout        = "TIMEOUT"
	ResultNoVersion      = "NOVERSION"
)

// ReplyError is a non-OK RESULT reported by the bridge.
type ReplyError struct {
	Topic   string
	Result  string
	Message string
}

func (e *ReplyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sam: %s: %s (%s)", e.Topic, e.Result, e.Message)
	}
	return fmt.Sprintf("sam: %s: %s", e.Topic, e.Result)
}

// Is maps the bridge result onto the package sentinels.
func (e *ReplyError) Is(target error) bool {
	switch target {
	case ErrConnection:
		return e.Result == ResultCantReachPeer || e.Result == ResultPeerNotFound
	case ErrTimeout:
		return e.Result == ResultTimeout
	case ErrProtocol:
		return e.Result != ResultCantReachPeer && e.Result != ResultPeerNotFound && e.Result != ResultTimeout
	}
	return false
}

// classifyErr wraps err with the sentinel that describes it. Network timeouts
// become ErrTimeout and any other network failure becomes fallback.
func classifyErr(err error, fallback error, msg string) error {
	if err == nil {
		return nil
	}
	var re *ReplyError
	if errors.As(err, &re) {
		return errors.Wrap(err, msg)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Wrapf(ErrTimeout, "%s: %s", msg, err)
	}
	return errors.Wrapf(fallback, "%s: %s", msg, err)
}

package onebot

import (
	"fmt"

	"github.com/simplesurance/onebothook/internal/relayerr"
)

const (
	ActionSendGroupMsg   = "send_group_msg"
	ActionSendPrivateMsg = "send_private_msg"
)

// Request is a OneBot API call.
// In websocket mode it is sent as it is, in HTTP mode Params is the request
// body and Action is the last path element of the URL.
type Request struct {
	Action string `json:"action"`
	Params Params `json:"params"`
	Echo   string `json:"echo,omitempty"`
}

// Params are the parameters of the send_*_msg actions.
type Params struct {
	GroupID int64  `json:"group_id,omitempty"`
	UserID  int64  `json:"user_id,omitempty"`
	Message string `json:"message"`
	// AutoEscape makes the bot send CQ-codes in the message literally.
	AutoEscape bool `json:"auto_escape"`
}

// NewSendMsgRequest returns the request that sends message to target.
func NewSendMsgRequest(target Target, message string) (*Request, error) {
	req := Request{
		Params: Params{
			Message:    message,
			AutoEscape: true,
		},
	}

	switch target.Kind {
	case TargetGroup:
		req.Action = ActionSendGroupMsg
		req.Params.GroupID = target.ID
	case TargetPrivate:
		req.Action = ActionSendPrivateMsg
		req.Params.UserID = target.ID
	default:
		return nil, fmt.Errorf("unsupported target kind: %s", target.Kind)
	}

	return &req, nil
}

const (
	StatusOK     = "ok"
	StatusAsync  = "async"
	StatusFailed = "failed"
)

// Response is the result of an API call.
type Response struct {
	Status  string `json:"status"`
	RetCode int    `json:"retcode"`
	// Msg and Wording are set by go-cqhttp compatible implementations,
	// Message by others.
	Msg     string `json:"msg,omitempty"`
	Wording string `json:"wording,omitempty"`
	Message string `json:"message,omitempty"`
	Echo    string `json:"echo,omitempty"`
}

func (r *Response) errMsg() string {
	switch {
	case r.Wording != "":
		return r.Wording
	case r.Msg != "":
		return r.Msg
	default:
		return r.Message
	}
}

// Err returns nil if the action was executed successfully.
// Rejected requests (bad parameters, unauthorized, unknown target) result in
// an ActionError, other failures in a relayerr.RetryableError wrapping an
// ActionError.
func (r *Response) Err() error {
	if r.Status == StatusOK || r.Status == StatusAsync {
		return nil
	}

	err := &ActionError{
		Status:  r.Status,
		RetCode: r.RetCode,
		Msg:     r.errMsg(),
	}

	if isTerminalRetCode(r.RetCode) {
		return err
	}

	return relayerr.NewRetryableAnytimeError(err)
}

// isTerminalRetCode returns true for return codes that indicate that
// repeating the request can not succeed.
// 1400-1499 are defined by OneBot v11 (bad request, unauthorized,
// forbidden, not found, ...), 100 is returned by go-cqhttp for invalid
// parameters and unknown receivers.
func isTerminalRetCode(code int) bool {
	return code == 100 || (code >= 1400 && code < 1500)
}

package transport

import (
	"encoding/json"
	"time"

	"github.com/LuminariMUD/i3gateway/internal/rpc"
	"github.com/LuminariMUD/i3gateway/internal/session"
)

// authTimeout bounds how long an unauthenticated client may sit on the
// socket before sending its authenticate call.
const authTimeout = 30 * time.Second

type authParams struct {
	APIKey string `json:"api_key"`
}

// authenticateFrame handles the mandatory first authenticate call of a
// connection that carried no key. On success it returns the session
// and the serialized success response for the caller to queue; on
// failure it returns a serialized error response to write directly.
func authenticateFrame(sessions *session.Manager, raw []byte, transport, remote string) (sess *session.Session, reply, reject []byte) {
	var req rpc.Request
	if err := json.Unmarshal(raw, &req); err != nil || !req.Valid() || req.Method != "authenticate" {
		return nil, nil, authError(req.ID, rpc.Errorf(rpc.CodeNotAuthenticated, "first request must be authenticate"))
	}
	var params authParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, nil, authError(req.ID, rpc.Errorf(rpc.CodeInvalidParams, "invalid params"))
		}
	}

	sess, err := sessions.Authenticate(params.APIKey, transport, remote)
	if err != nil {
		return nil, nil, authError(req.ID, rpc.Errorf(rpc.CodeNotAuthenticated, "authentication failed"))
	}

	if !req.Notification() {
		mudName := ""
		if sess.Cred != nil {
			mudName = sess.Cred.MudName
		}
		reply, _ = json.Marshal(&rpc.Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]any{
				"status":     "authenticated",
				"mud_name":   mudName,
				"session_id": sess.ID,
			},
		})
	}
	return sess, reply, nil
}

func authError(id json.RawMessage, rerr *rpc.Error) []byte {
	if id == nil {
		id = json.RawMessage("null")
	}
	payload, _ := json.Marshal(&rpc.Response{JSONRPC: "2.0", ID: id, Error: rerr})
	return payload
}

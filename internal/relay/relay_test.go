package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushPayload(repo, branch string) []byte {
	return []byte(fmt.Sprintf(`{
  "ref": "refs/heads/%s",
  "repository": {"full_name": %q},
  "pusher": {"name": "octocat"},
  "sender": {"login": "octocat"},
  "commits": [{"id": "abc1234def5678", "message": "fix bug", "author": {"name": "Alice"}}]
}`, branch, repo))
}

func mustParseDelivery(t *testing.T, eventType, signatureHeader string, body []byte) *Delivery {
	t.Helper()

	d, err := ParseDelivery("72d3162e-cc78-11e3-81ab-4c9367dc0958", eventType, signatureHeader, body)
	require.NoError(t, err)

	return d
}

package payment_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

func stripeHeader(body []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func stripeIntentEvent(id, kind, ref string, amount int64, currency string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1700000000,"data":{"object":{"id":%q,"object":"payment_intent","amount":%d,"currency":%q,"status":"succeeded"}}}`,
		id, kind, ref, amount, currency))
}

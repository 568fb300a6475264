package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Robokassa verifies GET-style result callbacks. The digest covers the
// provider-specific subset OutSum:InvId (plus sorted Shp_* parameters) and
// is keyed with Password2. Password1 is only ever used for signing outbound
// payment URLs; the two keys are never interchangeable.
type Robokassa struct {
	Password1 string
	Password2 string
}

// Name implements Provider.
func (Robokassa) Name() string { return "robokassa" }

// Verify validates a result-URL query string and normalises the payload.
// Robokassa only delivers result callbacks for settled payments, so a valid
// notification always reports success.
func (r Robokassa) Verify(raw []byte) (Notification, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	outSum := strings.TrimSpace(values.Get("OutSum"))
	invID := strings.TrimSpace(values.Get("InvId"))
	provided := strings.ToLower(strings.TrimSpace(values.Get("SignatureValue")))
	if outSum == "" || invID == "" {
		return Notification{}, fmt.Errorf("%w: missing OutSum or InvId", ErrMalformedPayload)
	}

	shp := shpParams(values)
	expected := r.resultSignature(outSum, invID, shp)
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return Notification{}, ErrInvalidSignature
	}

	ref := strings.TrimSpace(values.Get("Shp_ref"))
	if ref == "" {
		return Notification{}, fmt.Errorf("%w: missing Shp_ref", ErrMalformedPayload)
	}
	amount, err := parseDecimalAmount(outSum)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: OutSum: %v", ErrMalformedPayload, err)
	}

	return Notification{
		OrderRef:      ref,
		TransactionID: invID,
		Amount:        amount,
		Succeeded:     true,
		Result:        "settled",
	}, nil
}

// resultSignature computes the inbound digest using Password2.
func (r Robokassa) resultSignature(outSum, invID string, shp []string) string {
	return r.signature(r.Password2, outSum, invID, shp)
}

// PaymentURL builds a signed outbound payment URL using Password1. Kept next
// to the verifier so the key1/key2 split stays visible in one place.
func (r Robokassa) PaymentURL(base, login, outSum, invID, ref string) string {
	shp := []string{"Shp_ref=" + ref}
	sig := r.signature(r.Password1, outSum, invID, shp)
	q := url.Values{}
	q.Set("MerchantLogin", login)
	q.Set("OutSum", outSum)
	q.Set("InvId", invID)
	q.Set("Shp_ref", ref)
	q.Set("SignatureValue", sig)
	return strings.TrimRight(base, "/") + "/Index.aspx?" + q.Encode()
}

func (r Robokassa) signature(password, outSum, invID string, shp []string) string {
	key := strings.TrimSpace(password)
	if key == "" {
		return ""
	}
	parts := append([]string{outSum, invID}, shp...)
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignResult computes the signature a result callback with the given values
// would carry. Exposed for integration tests and the sandbox simulator.
func (r Robokassa) SignResult(outSum, invID string, shp ...string) string {
	sorted := append([]string(nil), shp...)
	sort.Strings(sorted)
	return r.resultSignature(outSum, invID, sorted)
}

func shpParams(values url.Values) []string {
	params := make([]string, 0, 2)
	for key := range values {
		if strings.HasPrefix(key, "Shp_") {
			params = append(params, key+"="+values.Get(key))
		}
	}
	sort.Strings(params)
	return params
}

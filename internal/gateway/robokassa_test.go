package gateway

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func robokassaQuery(r Robokassa, outSum, invID, ref string) string {
	q := url.Values{}
	q.Set("OutSum", outSum)
	q.Set("InvId", invID)
	q.Set("Shp_ref", ref)
	q.Set("SignatureValue", r.SignResult(outSum, invID, "Shp_ref="+ref))
	return q.Encode()
}

func TestRobokassaVerifyResult(t *testing.T) {
	r := Robokassa{Password1: "pass-one", Password2: "pass-two"}
	raw := []byte(robokassaQuery(r, "990.00", "42", "PAY-3003"))

	note, err := r.Verify(raw)
	require.NoError(t, err)
	require.Equal(t, "PAY-3003", note.OrderRef)
	require.Equal(t, "42", note.TransactionID)
	require.EqualValues(t, 990, note.Amount)
	require.True(t, note.Succeeded)
	require.Equal(t, "settled", note.Result)
}

func TestRobokassaVerifyRejectsOutboundPassword(t *testing.T) {
	// A result callback signed with Password1 must not pass: the outbound
	// and inbound keys are separate on purpose.
	r := Robokassa{Password1: "pass-one", Password2: "pass-two"}
	forged := Robokassa{Password1: "unused", Password2: "pass-one"}
	raw := []byte(robokassaQuery(forged, "990.00", "42", "PAY-3003"))

	_, err := r.Verify(raw)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestRobokassaVerifyRejectsTamperedAmount(t *testing.T) {
	r := Robokassa{Password1: "pass-one", Password2: "pass-two"}
	q, err := url.ParseQuery(robokassaQuery(r, "990.00", "42", "PAY-3003"))
	require.NoError(t, err)
	q.Set("OutSum", "1.00")

	_, err = r.Verify([]byte(q.Encode()))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestRobokassaVerifyRequiresRef(t *testing.T) {
	r := Robokassa{Password1: "pass-one", Password2: "pass-two"}
	q := url.Values{}
	q.Set("OutSum", "990.00")
	q.Set("InvId", "42")
	q.Set("SignatureValue", r.SignResult("990.00", "42"))

	_, err := r.Verify([]byte(q.Encode()))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestRobokassaPaymentURLUsesPassword1(t *testing.T) {
	r := Robokassa{Password1: "pass-one", Password2: "pass-two"}
	rawURL := r.PaymentURL("https://auth.robokassa.ru/Merchant", "shop", "990.00", "42", "PAY-3003")

	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	q := parsed.Query()
	require.Equal(t, "shop", q.Get("MerchantLogin"))
	require.Equal(t, "PAY-3003", q.Get("Shp_ref"))

	// The outbound signature must differ from the result signature for the
	// same parameters.
	require.NotEqual(t, r.SignResult("990.00", "42", "Shp_ref=PAY-3003"), q.Get("SignatureValue"))
	require.NotEmpty(t, q.Get("SignatureValue"))
}

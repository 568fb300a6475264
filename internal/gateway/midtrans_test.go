package gateway

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func midtransBody(t *testing.T, serverKey, orderID, statusCode, grossAmount, txStatus, txID string) []byte {
	t.Helper()
	h := sha512.New()
	h.Write([]byte(orderID))
	h.Write([]byte(statusCode))
	h.Write([]byte(grossAmount))
	h.Write([]byte(serverKey))
	body, err := json.Marshal(map[string]string{
		"order_id":           orderID,
		"status_code":        statusCode,
		"gross_amount":       grossAmount,
		"signature_key":      hex.EncodeToString(h.Sum(nil)),
		"transaction_status": txStatus,
		"transaction_id":     txID,
	})
	require.NoError(t, err)
	return body
}

func TestMidtransVerifySettlement(t *testing.T) {
	m := Midtrans{ServerKey: "server-key"}
	raw := midtransBody(t, "server-key", "PAY-1001", "200", "150000.00", "settlement", "tx-9")

	note, err := m.Verify(raw)
	require.NoError(t, err)
	require.Equal(t, "PAY-1001", note.OrderRef)
	require.Equal(t, "tx-9", note.TransactionID)
	require.EqualValues(t, 150000, note.Amount)
	require.True(t, note.Succeeded)
	require.Equal(t, "settlement", note.Result)
	require.Equal(t, "PAY-1001:tx-9", note.EventID())
}

func TestMidtransVerifyDeny(t *testing.T) {
	m := Midtrans{ServerKey: "server-key"}
	raw := midtransBody(t, "server-key", "PAY-1001", "202", "150000.00", "deny", "tx-9")

	note, err := m.Verify(raw)
	require.NoError(t, err)
	require.False(t, note.Succeeded)
	require.Equal(t, "payment.failed", note.EventType())
}

func TestMidtransVerifyRejectsBadSignature(t *testing.T) {
	m := Midtrans{ServerKey: "server-key"}
	raw := midtransBody(t, "wrong-key", "PAY-1001", "200", "150000.00", "settlement", "tx-9")

	_, err := m.Verify(raw)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestMidtransVerifySignatureCoversAmount(t *testing.T) {
	m := Midtrans{ServerKey: "server-key"}
	raw := midtransBody(t, "server-key", "PAY-1001", "200", "150000.00", "settlement", "tx-9")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	payload["gross_amount"] = "1.00"
	tampered, err := json.Marshal(payload)
	require.NoError(t, err)

	_, err = m.Verify(tampered)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestMidtransVerifyPendingIsIgnorable(t *testing.T) {
	m := Midtrans{ServerKey: "server-key"}
	raw := midtransBody(t, "server-key", "PAY-1001", "201", "150000.00", "pending", "tx-9")

	_, err := m.Verify(raw)
	require.ErrorIs(t, err, ErrIgnorableStatus)
}

func TestMidtransVerifyMalformed(t *testing.T) {
	m := Midtrans{ServerKey: "server-key"}

	_, err := m.Verify([]byte("{not json"))
	require.ErrorIs(t, err, ErrMalformedPayload)

	raw := midtransBody(t, "server-key", "PAY-1001", "200", "150000.00", "exploded", "tx-9")
	_, err = m.Verify(raw)
	require.ErrorIs(t, err, ErrMalformedPayload)
	require.False(t, errors.Is(err, ErrInvalidSignature))
}

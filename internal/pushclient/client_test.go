package pushclient

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyMaterial_EncryptDecryptRoundTrip(t *testing.T) {
	km, err := generateKeyMaterial()
	require.NoError(t, err)

	pub := km.publicKeyB64()
	senderPub, salt, ciphertext, err := encryptPayloadForRecipient(pub, km.auth, []byte(`{"fcmMessageId":"M1"}`))
	require.NoError(t, err)

	plaintext, err := km.decryptPayload(senderPub, salt, ciphertext)
	require.NoError(t, err)
	require.Equal(t, `{"fcmMessageId":"M1"}`, string(plaintext))
}

func TestKeyMaterial_EncodeDecodeRoundTrip(t *testing.T) {
	km, err := generateKeyMaterial()
	require.NoError(t, err)
	priv, auth := km.encode()

	decoded, err := decodeKeyMaterial(priv, auth)
	require.NoError(t, err)
	require.Equal(t, km.publicKeyB64(), decoded.publicKeyB64())
}

func TestReferenceClient_RegisterUsesSyntheticDefault(t *testing.T) {
	c := NewReferenceClient("key", "app", "project")
	reg, err := c.Register(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, reg.FCMToken)
	require.NotZero(t, reg.AndroidID)
}

// fakeVendor drives the server half of the wire protocol over an in-memory
// pipe: accepts the login, acks it, then sends one encrypted data frame
// and closes.
func fakeVendor(t *testing.T, conn net.Conn, recipientPub string, auth []byte, payload []byte) {
	t.Helper()
	login, err := readFrame(conn)
	require.NoError(t, err)
	require.Equal(t, frameLogin, login.Type)

	require.NoError(t, writeFrame(conn, wireFrame{Type: frameLoginAck}))

	senderPub, salt, ciphertext, err := encryptPayloadForRecipient(recipientPub, auth, payload)
	require.NoError(t, err)
	require.NoError(t, writeFrame(conn, wireFrame{
		Type:            frameData,
		SenderPublicKey: senderPub,
		Salt:            salt,
		Ciphertext:      ciphertext,
	}))

	conn.Close()
}

func TestReferenceClient_StartListening_DecryptsAndDispatches(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	received := make(chan []byte, 1)
	c := NewReferenceClient("key", "app", "project", WithDialFunc(func(ctx context.Context) (io.ReadWriteCloser, error) {
		return clientConn, nil
	}))
	c.SetDataCallback(func(payload []byte) { received <- payload })

	privB64, authB64, err := c.CreateNewKeys()
	require.NoError(t, err)
	require.NoError(t, c.LoadKeys(privB64, authB64))

	km, err := decodeKeyMaterial(privB64, authB64)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.StartListening(context.Background()) }()

	go fakeVendor(t, serverConn, km.publicKeyB64(), km.auth, []byte(`{"fcmMessageId":"M1"}`))

	select {
	case payload := <-received:
		require.Equal(t, `{"fcmMessageId":"M1"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched payload")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for StartListening to return")
	}
}

package explorer

import (
	"bytes"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// serializedHeaderHex returns a deterministic, valid-shape 80-byte header
// encoded as the hex string the Esplora API returns.
func serializedHeaderHex(t *testing.T, nonce uint32) string {
	t.Helper()

	h := wire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(1231006505, 0),
		Bits:      0x1d00ffff,
		Nonce:     nonce,
	}
	var buf bytes.Buffer
	require.NoError(t, h.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes())
}

func TestFetchStartTip(t *testing.T) {
	t.Parallel()

	prevHex := serializedHeaderHex(t, 1)
	startHex := serializedHeaderHex(t, 2)

	mux := http.NewServeMux()
	mux.HandleFunc("/block-height/49", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("prevhash"))
	})
	mux.HandleFunc("/block-height/50", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("starthash"))
	})
	mux.HandleFunc("/block/prevhash/header", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(prevHex))
	})
	mux.HandleFunc("/block/starthash/header", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(startHex))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL, 5*time.Second)
	prev, start, err := client.FetchStartTip(50)
	require.NoError(t, err)

	require.Equal(t, uint32(1), prev.Nonce)
	require.Equal(t, uint32(2), start.Nonce)
}

func TestFetchStartTipRejectsZeroHeight(t *testing.T) {
	t.Parallel()

	client := New("http://unused.invalid", time.Second)
	_, _, err := client.FetchStartTip(0)
	require.Error(t, err)
}

func TestDefaultBaseURL(t *testing.T) {
	t.Parallel()

	require.NotEmpty(t, DefaultBaseURL("mainnet"))
	require.NotEmpty(t, DefaultBaseURL("testnet"))
	require.Empty(t, DefaultBaseURL("regtest"))
	require.Empty(t, DefaultBaseURL("simnet"))
}

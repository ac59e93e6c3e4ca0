package store

import (
	"bytes"
	"context"
	"fmt"
	httpapi "github.com/ipfs/go-ipfs-http-client"
	crypto "github.com/libp2p/go-libp2p-crypto"
	"net/http"
	"strings"
	"time"
)

// remoteTimeout bounds single RPC calls to a remote node.
const remoteTimeout = time.Minute * 2

// NewRemote returns a pool member talking to the RPC API of a node at
// addr, for example http://127.0.0.1:5001.
func NewRemote(addr string) (*CoreStore, error) {
	api, err := httpapi.NewURLApiWithClient(addr, &http.Client{
		Timeout: remoteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect store %s: %w", addr, err)
	}
	return NewCoreStore(api, WithKeyImport(remoteKeyImport(api))), nil
}

// remoteKeyImport uploads the marshalled private key through the raw
// key/import command.
func remoteKeyImport(api *httpapi.HttpApi) func(ctx context.Context, alias string, sk crypto.PrivKey) error {
	return func(ctx context.Context, alias string, sk crypto.PrivKey) error {
		raw, err := crypto.MarshalPrivateKey(sk)
		if err != nil {
			return err
		}
		err = api.Request("key/import", alias).
			FileBody(bytes.NewReader(raw)).
			Exec(ctx, nil)
		if err != nil && strings.Contains(err.Error(), "already exists") {
			return ErrKeyExists
		}
		return err
	}
}

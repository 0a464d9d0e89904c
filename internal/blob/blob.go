// Package blob stores attachment payloads outside the record store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Store holds opaque payloads by key. Put returns the reference that
// companions use to fetch the payload; Get and Delete take the key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (ref string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

var errEmptyKey = errors.New("blob key is empty")

func checkKey(key string) error {
	if key == "" {
		return errEmptyKey
	}

	return nil
}

func statusError(op string, resp *http.Response) error {
	return fmt.Errorf("%s: status %d", op, resp.StatusCode)
}

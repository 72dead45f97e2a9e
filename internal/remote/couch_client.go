package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
)

// CouchClient reads the change feed straight from a CouchDB database.
type CouchClient struct {
	client     *kivik.Client
	db         *kivik.DB
	validator  *DocumentValidator
	tombstones tombstones
}

func NewCouchClient(couchURL, dbName string, validator *DocumentValidator) (*CouchClient, error) {
	couchURL = strings.TrimSpace(couchURL)
	if couchURL == "" {
		return nil, fmt.Errorf("couch url is required")
	}
	dbName = strings.TrimSpace(dbName)
	if dbName == "" {
		return nil, fmt.Errorf("couch database is required")
	}
	client, err := kivik.New("couch", couchURL)
	if err != nil {
		return nil, err
	}
	return &CouchClient{
		client:    client,
		db:        client.DB(dbName),
		validator: validator,
	}, nil
}

func (c *CouchClient) Changes(ctx context.Context, since string) (ChangeBatch, error) {
	if strings.TrimSpace(since) == "" {
		since = "0"
	}
	changes := c.db.Changes(ctx, kivik.Param("since", since))
	defer changes.Close()

	batch := ChangeBatch{LastSeq: since}
	var ids idSet
	deleted := map[string]string{}
	for changes.Next() {
		id := changes.ID()
		ids.add(id)
		if revs := changes.Changes(); changes.Deleted() && len(revs) > 0 {
			deleted[id] = revs[0]
		} else {
			delete(deleted, id)
		}
	}
	if err := changes.Err(); err != nil {
		return ChangeBatch{}, couchError(err)
	}
	meta, err := changes.Metadata()
	if err != nil {
		return ChangeBatch{}, couchError(err)
	}
	if meta != nil && meta.LastSeq != "" {
		batch.LastSeq = meta.LastSeq
	}
	c.tombstones.remember(deleted)
	batch.IDs = ids.ids
	return batch, nil
}

func (c *CouchClient) FindMaybe(ctx context.Context, id string) (*Document, error) {
	var raw json.RawMessage
	if err := c.db.Get(ctx, id).ScanDoc(&raw); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			if doc, ok := c.tombstones.lookup(id); ok {
				return doc, nil
			}
			return nil, nil
		}
		return nil, couchError(err)
	}
	return decodeDocument(raw, c.validator)
}

func (c *CouchClient) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func couchError(err error) error {
	if err == nil {
		return nil
	}
	if status := kivik.HTTPStatus(err); status >= 400 && status < 500 {
		return &HTTPError{StatusCode: status, Message: err.Error()}
	}
	return err
}

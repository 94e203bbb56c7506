package rop

import (
	"context"
	"log"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

// Object is a proxy for one remote entity. Reads and writes go straight to
// the lab server. A read-only Object discards writes.
type Object struct {
	client     *Client
	collection string
	id         string
	readOnly   bool
}

// Create constructs obj remotely and returns a writable proxy bound to it.
func (c *Client) Create(ctx context.Context, collection string, obj any) (*Object, error) {
	id, err := c.Construct(ctx, collection, obj)
	if err != nil {
		return nil, err
	}
	return &Object{client: c, collection: collection, id: id}, nil
}

// Bind returns a writable proxy for an existing id.
func (c *Client) Bind(collection, id string) *Object {
	return &Object{client: c, collection: collection, id: id}
}

// BindReadOnly resolves identifier (an id or a name) and returns a
// read-only proxy for it.
func (c *Client) BindReadOnly(ctx context.Context, collection, identifier string) (*Object, error) {
	doc, err := c.Get(ctx, collection, identifier)
	if err != nil {
		return nil, err
	}
	return &Object{client: c, collection: collection, id: doc.ID(), readOnly: true}, nil
}

func (o *Object) ID() string         { return o.id }
func (o *Object) Collection() string { return o.collection }
func (o *Object) ReadOnly() bool     { return o.readOnly }
func (o *Object) Client() *Client    { return o.client }

// Get decodes a field into out.
func (o *Object) Get(ctx context.Context, field string, out any) error {
	return o.client.GetProperty(ctx, o.collection, o.id, field, out)
}

// Document fetches the whole entity.
func (o *Object) Document(ctx context.Context) (Document, error) {
	return o.client.Get(ctx, o.collection, o.id)
}

// Set replaces a field. On a read-only proxy it logs and does nothing.
func (o *Object) Set(ctx context.Context, field string, value any) error {
	if o.readOnly {
		log.Printf("rop: read-only %s.%s: discarding set", o.collection, field)
		return nil
	}
	return o.client.SetProperty(ctx, o.collection, o.id, field, value)
}

// Patch applies a structural update. On a read-only proxy it logs and does
// nothing.
func (o *Object) Patch(ctx context.Context, field string, kind protocol.PatchType, value any, args *protocol.PatchArgs) error {
	if o.readOnly {
		log.Printf("rop: read-only %s.%s: discarding %s", o.collection, field, kind)
		return nil
	}
	return o.client.Patch(ctx, o.collection, o.id, field, kind, value, args)
}

func (o *Object) Append(ctx context.Context, field string, value any) error {
	return o.Patch(ctx, field, protocol.PatchListAppend, value, nil)
}

// Pop removes the first (left) or last element of a list field.
func (o *Object) Pop(ctx context.Context, field string, left bool) error {
	return o.Patch(ctx, field, protocol.PatchListPop, nil, &protocol.PatchArgs{PopLeft: left})
}

func (o *Object) Insert(ctx context.Context, field string, index int, value any) error {
	return o.Patch(ctx, field, protocol.PatchListInsert, value, &protocol.PatchArgs{InsertIndex: index})
}

// Remove deletes the first element equal to value from a list field.
func (o *Object) Remove(ctx context.Context, field string, value any) error {
	return o.Patch(ctx, field, protocol.PatchListDelete, value, nil)
}

func (o *Object) DictInsert(ctx context.Context, field, key string, value any) error {
	return o.Patch(ctx, field, protocol.PatchDictInsert, value, &protocol.PatchArgs{Key: key})
}

func (o *Object) DictDelete(ctx context.Context, field, key string) error {
	return o.Patch(ctx, field, protocol.PatchDictDelete, nil, &protocol.PatchArgs{Key: key})
}

// Call records a method call on the entity and returns the queued
// operation. Read-only proxies may call methods.
func (o *Object) Call(ctx context.Context, method string, args map[string]any) (*Operation, error) {
	op, err := o.client.CallMethod(ctx, o.collection, o.id, method, args)
	if err != nil {
		return nil, err
	}
	return &Operation{Object: o.client.Bind(protocol.CollectionOperations, op.ID)}, nil
}

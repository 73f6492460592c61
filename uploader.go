package obstools

import (
	"context"
	"fmt"

	"github.com/Dig-Doug/observation-tools-client/internal/queue"
	"github.com/Dig-Doug/observation-tools-client/internal/tree"
	"github.com/Dig-Doug/observation-tools-client/payload"
)

// Handle is a node created through a Client.
type Handle interface {
	// ID returns the locally generated node id.
	ID() ID
	// RunID returns the id of the run the node belongs to.
	RunID() ID
	// ParentID returns the parent's id, or the zero ID for runs.
	ParentID() ID
	Kind() Kind
	Metadata() UserMetadata
	// Sequence returns the 1-based creation order within the run.
	Sequence() uint64
	// State returns the current upload state.
	State() State
	// Wait blocks until the node's upload is confirmed or has failed, and
	// returns the delivery error. It returns ctx.Err() if ctx ends first.
	Wait(ctx context.Context) error
}

type handle struct {
	c    *Client
	node *tree.Node
	msg  *queue.Message
}

var _ Handle = (*handle)(nil)

func (h *handle) ID() ID                 { return h.node.ID }
func (h *handle) RunID() ID              { return h.node.RunID }
func (h *handle) ParentID() ID           { return h.node.ParentID }
func (h *handle) Kind() Kind             { return h.node.Kind }
func (h *handle) Metadata() UserMetadata { return h.node.Metadata }
func (h *handle) Sequence() uint64       { return h.node.Sequence }
func (h *handle) State() State           { return h.node.State() }

func (h *handle) Wait(ctx context.Context) error {
	return h.msg.Wait(ctx)
}

// Attempts returns the number of delivery attempts made so far.
func (h *handle) Attempts() int {
	return h.msg.Attempts()
}

// Uploader is a container node (run, stage, or group) that children can be
// created under. It is safe for concurrent use.
type Uploader struct {
	*handle
}

// CreateChild creates a node of the given kind under u.
// p is only used for objects and must be non-nil for them.
//
// It returns [ErrInvalidHierarchy] if u cannot contain kind.
func (u Uploader) CreateChild(kind Kind, md UserMetadata, p Payload) (Handle, error) {
	if kind == KindObject {
		obj, err := u.CreateObject(md, p)
		if err != nil {
			return nil, err
		}
		return obj, nil
	}
	h, err := u.c.create(u.node, kind, md, nil)
	if err != nil {
		return nil, err
	}
	return Uploader{h}, nil
}

// ChildUploader creates a group under u.
func (u Uploader) ChildUploader(md UserMetadata) (Uploader, error) {
	h, err := u.c.create(u.node, KindGroup, md, nil)
	if err != nil {
		return Uploader{}, err
	}
	return Uploader{h}, nil
}

// CreateObject creates an object carrying p under u.
//
// p is serialized before CreateObject returns, so the caller may modify or
// reuse the data behind it afterwards. A serialization failure is reported
// through the failure sink and by Wait, not here.
func (u Uploader) CreateObject(md UserMetadata, p Payload) (ObjectHandle, error) {
	if p == nil {
		return ObjectHandle{}, fmt.Errorf("%w: object %q has no payload", ErrSerialization, md.Name())
	}
	h, err := u.c.create(u.node, KindObject, md, payload.Encode(p))
	if err != nil {
		return ObjectHandle{}, err
	}
	return ObjectHandle{h}, nil
}

// CreateObjectData creates an object named name, inferring the payload type
// from data:
//   - a [Payload] is used as-is
//   - string and fmt.Stringer become text
//   - []byte becomes an image when it looks like one, otherwise raw bytes
//   - anything else is encoded as a structured record
func (u Uploader) CreateObjectData(name string, data any) (ObjectHandle, error) {
	if data == nil {
		return ObjectHandle{}, fmt.Errorf("%w: object %q has no data", ErrSerialization, name)
	}
	return u.CreateObject(NewUserMetadata(name), payload.Infer(data))
}

// RunUploader is the root of a run.
type RunUploader struct {
	Uploader
}

// ViewerURL returns the URL at which the run can be viewed. It is available
// immediately, before the run has been uploaded.
func (r *RunUploader) ViewerURL() string {
	return r.c.ViewerURL(r.ID())
}

// CreateStage creates a stage under the run. The stage records the ids of
// the run's earlier stages.
func (r *RunUploader) CreateStage(md UserMetadata) (Uploader, error) {
	h, err := r.c.create(r.node, KindStage, md, nil)
	if err != nil {
		return Uploader{}, err
	}
	return Uploader{h}, nil
}

// ObjectHandle is an object node. Objects cannot have children.
type ObjectHandle struct {
	*handle
}

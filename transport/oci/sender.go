// Package oci provides a transport that stores node messages as OCI artifacts.
//
// Each node becomes one image manifest in a single repository, tagged with the
// node ID. The manifest carries the encoded node (without payload) as its
// first layer and the payload bytes, if any, as its second layer. Run, parent,
// kind and sequence are copied into manifest annotations so a registry browser
// can reconstruct the tree without decoding layers.
package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/Dig-Doug/observation-tools-client/transport"
)

// ArtifactType identifies node manifests.
const ArtifactType = "application/vnd.observation-tools.node.v1"

// Manifest annotation keys.
const (
	AnnotationRunID       = "tools.observation.run-id"
	AnnotationNodeID      = "tools.observation.node-id"
	AnnotationParentID    = "tools.observation.parent-id"
	AnnotationKind        = "tools.observation.kind"
	AnnotationSequence    = "tools.observation.sequence"
	AnnotationContentType = "tools.observation.content-type"
)

// Sender implements transport.Transport against an OCI registry.
type Sender struct {
	repoRef      string
	registryHost string
	plainHTTP    bool
	userAgent    string
	anonymous    bool
	cred         auth.Credential
	credStore    credentials.Store
	httpClient   *http.Client
	authClient   *auth.Client
}

var _ transport.Transport = (*Sender)(nil)

// New creates a Sender that pushes into repoRef (registry/repository).
func New(repoRef string, opts ...Option) (*Sender, error) {
	ref, err := registry.ParseReference(repoRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if ref.Reference != "" {
		return nil, fmt.Errorf("%w: %q must not carry a tag or digest", ErrInvalidReference, repoRef)
	}

	s := &Sender{
		repoRef:      repoRef,
		registryHost: ref.Host(),
		userAgent:    "observation-tools-go/1.0",
		httpClient:   &http.Client{Transport: http.DefaultTransport},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.authClient = &auth.Client{
		Client:     s.httpClient,
		Cache:      auth.NewCache(),
		Credential: s.credential,
		Header: http.Header{
			"User-Agent": []string{s.userAgent},
		},
	}
	return s, nil
}

// Repository returns the target repository reference.
func (s *Sender) Repository() string {
	return s.repoRef
}

func (s *Sender) repository() (*remote.Repository, error) {
	repo, err := remote.NewRepository(s.repoRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	repo.PlainHTTP = s.plainHTTP
	repo.Client = s.authClient
	return repo, nil
}

// Send implements transport.Transport.
//
// Blobs the registry already holds are skipped, so a retried message only
// re-uploads what is missing.
func (s *Sender) Send(ctx context.Context, msg *transport.Message) error {
	if msg.NodeID == "" {
		return transport.Permanent(errors.New("oci: message has no node id"))
	}
	repo, err := s.repository()
	if err != nil {
		return transport.Permanent(err)
	}

	node := *msg
	node.PayloadBytes = nil
	nodeBytes, err := transport.Marshal(&node)
	if err != nil {
		return transport.Permanent(err)
	}

	blobs := [][]byte{ocispec.DescriptorEmptyJSON.Data, nodeBytes}
	layers := []ocispec.Descriptor{blobDescriptor(transport.MediaType, nodeBytes)}
	if len(msg.PayloadBytes) > 0 {
		blobs = append(blobs, msg.PayloadBytes)
		layers = append(layers, blobDescriptor(layerMediaType(msg.PayloadContentType), msg.PayloadBytes))
	}
	descs := append([]ocispec.Descriptor{ocispec.DescriptorEmptyJSON}, layers...)

	for i, desc := range descs {
		if err := pushBlob(ctx, repo, desc, blobs[i]); err != nil {
			return classify(err)
		}
	}

	manifestJSON, err := json.Marshal(buildManifest(msg, layers))
	if err != nil {
		return transport.Permanent(fmt.Errorf("marshal manifest: %w", err))
	}
	manifestDesc := blobDescriptor(ocispec.MediaTypeImageManifest, manifestJSON)
	if err := repo.PushReference(ctx, manifestDesc, bytes.NewReader(manifestJSON), msg.NodeID); err != nil {
		return classify(err)
	}
	return nil
}

// Fetch reads the node stored under nodeID back into a message.
func (s *Sender) Fetch(ctx context.Context, nodeID string) (*transport.Message, error) {
	repo, err := s.repository()
	if err != nil {
		return nil, err
	}

	desc, rc, err := repo.FetchReference(ctx, nodeID)
	if err != nil {
		return nil, mapError(err)
	}
	var manifest ocispec.Manifest
	err = json.NewDecoder(io.LimitReader(rc, desc.Size)).Decode(&manifest)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if len(manifest.Layers) == 0 || manifest.Layers[0].MediaType != transport.MediaType {
		return nil, fmt.Errorf("%w: missing node layer", ErrManifestInvalid)
	}

	nodeBytes, err := fetchBlob(ctx, repo, manifest.Layers[0])
	if err != nil {
		return nil, err
	}
	var msg transport.Message
	if err := transport.Unmarshal(nodeBytes, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if len(manifest.Layers) > 1 {
		msg.PayloadBytes, err = fetchBlob(ctx, repo, manifest.Layers[1])
		if err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

func buildManifest(msg *transport.Message, layers []ocispec.Descriptor) ocispec.Manifest {
	annotations := map[string]string{
		AnnotationRunID:           msg.RunID,
		AnnotationNodeID:          msg.NodeID,
		AnnotationKind:            msg.Kind,
		AnnotationSequence:        strconv.FormatUint(msg.Sequence, 10),
		ocispec.AnnotationTitle:   msg.Metadata.Name,
		ocispec.AnnotationCreated: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if msg.ParentID != "" {
		annotations[AnnotationParentID] = msg.ParentID
	}
	if msg.PayloadContentType != "" {
		annotations[AnnotationContentType] = msg.PayloadContentType
	}

	return ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: ArtifactType,
		Config:       ocispec.DescriptorEmptyJSON,
		Layers:       layers,
		Annotations:  annotations,
	}
}

func blobDescriptor(mediaType string, data []byte) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(data),
		Size:      int64(len(data)),
	}
}

// layerMediaType drops content type parameters, which descriptors do not
// allow. The full value is kept in AnnotationContentType.
func layerMediaType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" {
		return "application/octet-stream"
	}
	return mediaType
}

func pushBlob(ctx context.Context, repo *remote.Repository, desc ocispec.Descriptor, data []byte) error {
	exists, err := repo.Exists(ctx, desc)
	if err == nil && exists {
		return nil
	}
	err = repo.Push(ctx, desc, bytes.NewReader(data))
	if err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return err
	}
	return nil
}

func fetchBlob(ctx context.Context, repo *remote.Repository, desc ocispec.Descriptor) ([]byte, error) {
	rc, err := repo.Fetch(ctx, desc)
	if err != nil {
		return nil, mapError(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, desc.Size))
	if err != nil {
		return nil, err
	}
	if got := digest.FromBytes(data); got != desc.Digest {
		return nil, fmt.Errorf("%w: blob %s has digest %s", ErrManifestInvalid, desc.Digest, got)
	}
	return data, nil
}

// classify maps a registry error onto the transport failure classes.
// 429 and 5xx are transient, other 4xx permanent. Errors without a status,
// such as network failures, are transient.
func classify(err error) error {
	mapped := mapError(err)
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusTooManyRequests ||
			errResp.StatusCode == http.StatusRequestTimeout ||
			errResp.StatusCode >= 500 {
			return transport.Transient(mapped)
		}
		if errResp.StatusCode >= 400 {
			return transport.Permanent(mapped)
		}
	}
	return transport.Transient(mapped)
}

// mapError maps ORAS errors to the package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch errResp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrForbidden, err)
		}
	}
	return err
}

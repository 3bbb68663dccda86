// Package remotebuild drives one remote build job over gRPC against the
// distributed coordinator service. It mirrors please's own
// src/remote/remote.go Client: a *grpc.ClientConn (connected eagerly by
// Dial, not lazily), a grpc-middleware bounded-retry interceptor, and a
// streaming receive loop that watches a long-running operation to
// completion (please's own execute() watches pb.ExecuteResponse the same
// way). Rather than checking in a generated .proto client (see
// DESIGN.md), the request/response envelope reuses real generated
// well-known types the teacher already depends on transitively -
// wrapperspb for opaque byte payloads and longrunning.Operation for
// progress framing - so the wire types are genuine generated protobuf
// messages even though the service method stubs are hand-written here in
// the same shape protoc-gen-go-grpc would have produced.
package remotebuild

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/dustin/go-humanize"
	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/distbuild/src/jobstate"
	"github.com/thought-machine/distbuild/src/rulekey"
	remotesync "github.com/thought-machine/distbuild/src/sync"
)

var log = logging.MustGetLogger("remotebuild")

const (
	dialTimeout = 5 * time.Second
	reqTimeout  = 2 * time.Minute
	maxRetries  = 3
)

const (
	methodStartBuild = "/distbuild.Coordinator/StartBuild"
	methodPollStatus = "/distbuild.Coordinator/PollStatus"
)

// Outcome summarizes a finished remote build, the data the
// HybridOrchestrator needs to decide whether to fall back to a fully
// local build.
type Outcome struct {
	StampedeID    string
	ExitCode      int
	CacheMissKeys []rulekey.Key
	LogRunIDs     []string
}

// ruleUpdate is one progress frame: the remote coordinator telling us a
// single rule key resolved, available or not.
type ruleUpdate struct {
	Key       rulekey.Key
	Available bool
}

// resultPayload is the final frame's opaque result, gob-encoded into the
// operation's terminal Response Any.
type resultPayload struct {
	ExitCode      int
	CacheMissKeys []rulekey.Key
	LogRunIDs     []string
}

// stateRef is what actually crosses StartBuild: a reference to the job
// state blob already uploaded via ByteStream, rather than the blob
// itself. Keeping the unary request small matters once job states carry
// a full file hash inventory for a large repo.
type stateRef struct {
	Hash      string
	SizeBytes int64
}

// Controller submits a jobstate.State to a remote coordinator and
// streams its progress into a RemoteSynchronizer so a concurrently
// running local build can block on individual rule keys.
type Controller struct {
	addr string
	conn *grpc.ClientConn
}

// Dial establishes (eagerly) a connection to the coordinator at addr.
// Unlike please's Client, which kicks off initialisation in a background
// goroutine from New and lets the first real call block on it, Dial
// blocks the caller directly: the orchestrator already runs local and
// remote work concurrently, so there's no benefit hiding the connect
// latency behind a sync.Once here.
func Dial(addr string) (*Controller, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(grpc_retry.WithMax(maxRetries))),
		grpc.WithStreamInterceptor(grpc_retry.StreamClientInterceptor(grpc_retry.WithMax(maxRetries))),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing remote coordinator %s: %w", addr, err)
	}
	return &Controller{addr: addr, conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Controller) Close() error {
	return c.conn.Close()
}

// Execute submits state to the remote coordinator and streams its
// progress, signalling sync as each rule key resolves, until the job
// finishes or ctx is cancelled.
func (c *Controller) Execute(ctx context.Context, state *jobstate.State, sync *remotesync.Synchronizer) (*Outcome, error) {
	// Whatever happens below, the remote side of the build is reaching a
	// terminal state by the time Execute returns: any rule key it never
	// got around to signalling either way is broadcast NotBuilt, so a
	// local build parked on one of those keys unblocks instead of hanging
	// forever. SignalNotBuilt is a no-op on a key the coordinator did
	// resolve, since Synchronizer never lets a later signal overwrite an
	// earlier one.
	defer closeOutstandingKeys(state.RuleKeys, sync)

	blob, err := jobstate.Encode(state)
	if err != nil {
		return nil, fmt.Errorf("encoding job state: %w", err)
	}
	log.Debug("uploading job state (%s)", humanize.Bytes(uint64(len(blob))))

	digest, err := c.uploadState(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("uploading job state: %w", err)
	}

	stampedeID, err := c.startBuild(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("starting remote build: %w", err)
	}
	log.Info("remote build started, stampede id %s", stampedeID)

	return c.pollStatus(ctx, stampedeID, sync)
}

// uploadState pushes blob to the coordinator over ByteStream, naming the
// resource the same way please's own byteStreamUploadName does: a fresh
// uuid scoping the upload session plus the content digest, so retried
// uploads of the same content never collide on an in-flight resource
// name (see src/remote/blobs.go).
func (c *Controller) uploadState(ctx context.Context, blob []byte) (*repb.Digest, error) {
	digest := stateDigest(blob)
	stream, err := bs.NewByteStreamClient(c.conn).Write(ctx)
	if err != nil {
		return nil, err
	}
	name := byteStreamUploadName(digest)
	if err := stream.Send(&bs.WriteRequest{ResourceName: name, Data: blob, FinishWrite: true}); err != nil {
		return nil, err
	}
	if _, err := stream.CloseAndRecv(); err != nil {
		return nil, err
	}
	return digest, nil
}

func stateDigest(blob []byte) *repb.Digest {
	sum := sha1.Sum(blob)
	return &repb.Digest{Hash: fmt.Sprintf("%x", sum), SizeBytes: int64(len(blob))}
}

func byteStreamUploadName(digest *repb.Digest) string {
	u, _ := uuid.NewRandom()
	return fmt.Sprintf("uploads/%s/blobs/%s/%d", u, digest.Hash, digest.SizeBytes)
}

func (c *Controller) startBuild(ctx context.Context, digest *repb.Digest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(stateRef{Hash: digest.Hash, SizeBytes: digest.SizeBytes}); err != nil {
		return "", fmt.Errorf("encoding state reference: %w", err)
	}
	req := &wrapperspb.BytesValue{Value: buf.Bytes()}
	resp := &wrapperspb.StringValue{}
	if err := c.conn.Invoke(ctx, methodStartBuild, req, resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

// closeOutstandingKeys broadcasts NotBuilt for every key in keys, the §4.6
// step performed once the remote build reaches a terminal state: anything
// it didn't explicitly resolve is assumed not built, rather than left to
// block a local build that's waiting on it forever.
func closeOutstandingKeys(keys []rulekey.Key, sync *remotesync.Synchronizer) {
	for _, k := range keys {
		sync.SignalNotBuilt(k)
	}
}

func (c *Controller) pollStatus(ctx context.Context, stampedeID string, sync *remotesync.Synchronizer) (*Outcome, error) {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, methodPollStatus)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&wrapperspb.StringValue{Value: stampedeID}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	var errs *multierror.Error
	for {
		op := &longrunning.Operation{}
		if err := stream.RecvMsg(op); err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("remote coordinator closed the status stream without a terminal operation")
			}
			return nil, err
		}

		if op.Metadata != nil {
			if update, err := decodeRuleUpdate(op.Metadata); err != nil {
				errs = multierror.Append(errs, err)
			} else {
				if update.Available {
					sync.SignalAvailable(update.Key)
				} else {
					sync.SignalNotBuilt(update.Key)
				}
			}
		}

		if !op.Done {
			continue
		}
		switch result := op.Result.(type) {
		case *longrunning.Operation_Error:
			errs = multierror.Append(errs, fmt.Errorf("remote build failed: %s", result.Error.GetMessage()))
			return nil, errs.ErrorOrNil()
		case *longrunning.Operation_Response:
			payload, err := decodeResult(result.Response)
			if err != nil {
				return nil, err
			}
			return &Outcome{
				StampedeID:    stampedeID,
				ExitCode:      payload.ExitCode,
				CacheMissKeys: payload.CacheMissKeys,
				LogRunIDs:     payload.LogRunIDs,
			}, errs.ErrorOrNil()
		default:
			return nil, fmt.Errorf("operation marked done with neither a result nor an error")
		}
	}
}

// FetchLogs retrieves the materialized log for runID via ByteStream,
// please's own mechanism for transferring large blobs outside the main
// RPC (see src/remote/blobs.go's readByteStream).
func (c *Controller) FetchLogs(ctx context.Context, runID string) ([]byte, error) {
	client := bs.NewByteStreamClient(c.conn)
	stream, err := client.Read(ctx, &bs.ReadRequest{ResourceName: runID})
	if err != nil {
		return nil, fmt.Errorf("fetching logs for %s: %w", runID, err)
	}
	var buf bytes.Buffer
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		buf.Write(resp.Data)
	}
	log.Debug("fetched %s of logs for run %s", humanize.Bytes(uint64(buf.Len())), runID)
	return buf.Bytes(), nil
}

func decodeRuleUpdate(a *anypb.Any) (*ruleUpdate, error) {
	var wrapped wrapperspb.BytesValue
	if err := a.UnmarshalTo(&wrapped); err != nil {
		return nil, fmt.Errorf("decoding rule update: %w", err)
	}
	var update ruleUpdate
	if err := gob.NewDecoder(bytes.NewReader(wrapped.Value)).Decode(&update); err != nil {
		return nil, fmt.Errorf("decoding rule update payload: %w", err)
	}
	return &update, nil
}

func decodeResult(a *anypb.Any) (*resultPayload, error) {
	var wrapped wrapperspb.BytesValue
	if err := a.UnmarshalTo(&wrapped); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	var payload resultPayload
	if err := gob.NewDecoder(bytes.NewReader(wrapped.Value)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding result payload: %w", err)
	}
	return &payload, nil
}

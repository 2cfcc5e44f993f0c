package socket

import (
	"errors"
	"time"

	"profilestore/internal/domain"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown      Operation = 0
	OperationPing         Operation = 1
	OperationHealth       Operation = 2
	OperationPublish      Operation = 3
	OperationPublishBatch Operation = 4
	OperationGetProfile   Operation = 5
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
	ErrorCodeUnavailable     ErrorCode = 6
	ErrorCodeStaleOwnership  ErrorCode = 7
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeOK:
		return "OK"
	case ErrorCodeBadRequest:
		return "BAD_REQUEST"
	case ErrorCodeUnauthenticated:
		return "UNAUTHENTICATED"
	case ErrorCodeNotFound:
		return "NOT_FOUND"
	case ErrorCodeOverloaded:
		return "OVERLOADED"
	case ErrorCodeInternal:
		return "INTERNAL"
	case ErrorCodeUnavailable:
		return "UNAVAILABLE"
	case ErrorCodeStaleOwnership:
		return "STALE_OWNERSHIP"
	}
	return "UNKNOWN"
}

// Retryable reports whether a client should retry the request with backoff.
func (c ErrorCode) Retryable() bool {
	return c == ErrorCodeOverloaded || c == ErrorCodeUnavailable
}

type Request struct {
	RequestId    string               `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken    string               `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation    int32                `protobuf:"varint,3,opt,name=operation,proto3"`
	Publish      *PublishRequest      `protobuf:"bytes,4,opt,name=publish,proto3"`
	PublishBatch *PublishBatchRequest `protobuf:"bytes,5,opt,name=publish_batch,json=publishBatch,proto3"`
	GetProfile   *ProfileQuery        `protobuf:"bytes,6,opt,name=get_profile,json=getProfile,proto3"`
}

func (*Request) Reset()         {}
func (*Request) String() string { return "Request" }
func (*Request) ProtoMessage()  {}

type Response struct {
	RequestId    string           `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32            `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string           `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Publish      *PublishResponse `protobuf:"bytes,4,opt,name=publish,proto3"`
	Pong         *PongResponse    `protobuf:"bytes,5,opt,name=pong,proto3"`
	Profile      *ProfileResponse `protobuf:"bytes,6,opt,name=profile,proto3"`
	Health       *HealthResponse  `protobuf:"bytes,7,opt,name=health,proto3"`
}

func (*Response) Reset()         {}
func (*Response) String() string { return "Response" }
func (*Response) ProtoMessage()  {}

type Profile struct {
	Uid      string            `protobuf:"bytes,1,opt,name=uid,proto3"`
	Username string            `protobuf:"bytes,2,opt,name=username,proto3"`
	Email    string            `protobuf:"bytes,3,opt,name=email,proto3"`
	Name     string            `protobuf:"bytes,4,opt,name=name,proto3"`
	Fields   map[string]string `protobuf:"bytes,5,rep,name=fields,proto3" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
}

func (*Profile) Reset()         {}
func (*Profile) String() string { return "Profile" }
func (*Profile) ProtoMessage()  {}

type ChangeEvent struct {
	Type           string   `protobuf:"bytes,1,opt,name=type,proto3"`
	Key            string   `protobuf:"bytes,2,opt,name=key,proto3"`
	EventId        string   `protobuf:"bytes,3,opt,name=event_id,json=eventId,proto3"`
	EventTimeUtcNs int64    `protobuf:"varint,4,opt,name=event_time_utc_ns,json=eventTimeUtcNs,proto3"`
	Profile        *Profile `protobuf:"bytes,5,opt,name=profile,proto3"`
}

func (*ChangeEvent) Reset()         {}
func (*ChangeEvent) String() string { return "ChangeEvent" }
func (*ChangeEvent) ProtoMessage()  {}

type PublishRequest struct {
	Event *ChangeEvent `protobuf:"bytes,1,opt,name=event,proto3"`
}

func (*PublishRequest) Reset()         {}
func (*PublishRequest) String() string { return "PublishRequest" }
func (*PublishRequest) ProtoMessage()  {}

type PublishBatchRequest struct {
	Events []*ChangeEvent `protobuf:"bytes,1,rep,name=events,proto3"`
}

func (*PublishBatchRequest) Reset()         {}
func (*PublishBatchRequest) String() string { return "PublishBatchRequest" }
func (*PublishBatchRequest) ProtoMessage()  {}

type PublishResponse struct {
	Accepted    uint32   `protobuf:"varint,1,opt,name=accepted,proto3"`
	PartitionId uint32   `protobuf:"varint,2,opt,name=partition_id,json=partitionId,proto3"`
	EventIds    []string `protobuf:"bytes,3,rep,name=event_ids,json=eventIds,proto3"`
}

func (*PublishResponse) Reset()         {}
func (*PublishResponse) String() string { return "PublishResponse" }
func (*PublishResponse) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type ProfileQuery struct {
	Key string `protobuf:"bytes,1,opt,name=key,proto3"`
}

func (*ProfileQuery) Reset()         {}
func (*ProfileQuery) String() string { return "ProfileQuery" }
func (*ProfileQuery) ProtoMessage()  {}

type ProfileResponse struct {
	Found       bool     `protobuf:"varint,1,opt,name=found,proto3"`
	PartitionId uint32   `protobuf:"varint,2,opt,name=partition_id,json=partitionId,proto3"`
	Profile     *Profile `protobuf:"bytes,3,opt,name=profile,proto3"`
}

func (*ProfileResponse) Reset()         {}
func (*ProfileResponse) String() string { return "ProfileResponse" }
func (*ProfileResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok         bool     `protobuf:"varint,1,opt,name=ok,proto3"`
	Message    string   `protobuf:"bytes,2,opt,name=message,proto3"`
	Partitions []uint32 `protobuf:"varint,3,rep,packed,name=partitions,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*Request, error) {
	var req Request
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*Response, error) {
	var res Response
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *Request) error {
	if req == nil {
		return errors.New("nil request")
	}
	if req.Operation == int32(OperationUnknown) {
		return errors.New("operation is required")
	}
	return nil
}

func toProfile(rec domain.ProfileRecord) *Profile {
	return &Profile{Uid: rec.UID, Username: rec.Username, Email: rec.Email, Name: rec.Name, Fields: rec.Fields}
}

func (p *Profile) record() *domain.ProfileRecord {
	if p == nil {
		return nil
	}
	return &domain.ProfileRecord{UID: p.Uid, Username: p.Username, Email: p.Email, Name: p.Name, Fields: p.Fields}
}

// domainEvent converts e and stamps the receive time when the producer did
// not set an event time.
func (e *ChangeEvent) domainEvent(now time.Time) domain.ChangeEvent {
	ev := domain.ChangeEvent{
		Type:           domain.EventType(e.Type),
		Key:            e.Key,
		EventID:        e.EventId,
		EventTimeUTCNs: e.EventTimeUtcNs,
		Profile:        e.Profile.record(),
	}
	if ev.EventTimeUTCNs == 0 {
		ev.EventTimeUTCNs = now.UTC().UnixNano()
	}
	return ev
}

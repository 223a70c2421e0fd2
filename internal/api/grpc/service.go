package grpcapi

import (
	"context"

	"google.golang.org/grpc"

	"turn-transcription-service/internal/models"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "turn.transcription.v1.AudioStreamService"

// AudioFrame is one chunk of 16-bit little-endian mono PCM.
type AudioFrame struct {
	SessionID   string `json:"sessionId"`
	SampleRate  int32  `json:"sampleRate"`
	Audio       []byte `json:"audio,omitempty"`
	EndOfStream bool   `json:"endOfStream,omitempty"`
}

// StreamAck is returned once the session has closed and drained.
type StreamAck struct {
	SessionID      string `json:"sessionId"`
	Transcript     string `json:"transcript"`
	FramesAccepted int64  `json:"framesAccepted"`
	FramesRejected int64  `json:"framesRejected"`
}

// SubscribeRequest selects the session whose events are streamed.
type SubscribeRequest struct {
	SessionID string `json:"sessionId"`
}

// AudioStreamServiceServer is the server API.
type AudioStreamServiceServer interface {
	// StreamAudio ingests frames for one session until the client closes
	// the stream, then returns the final transcript.
	StreamAudio(AudioStreamService_StreamAudioServer) error
	// SubscribeTranscript streams a session's events until it closes.
	SubscribeTranscript(*SubscribeRequest, AudioStreamService_SubscribeTranscriptServer) error
}

// RegisterAudioStreamServiceServer registers srv with s.
func RegisterAudioStreamServiceServer(s grpc.ServiceRegistrar, srv AudioStreamServiceServer) {
	s.RegisterService(&AudioStreamService_ServiceDesc, srv)
}

type AudioStreamService_StreamAudioServer interface {
	SendAndClose(*StreamAck) error
	Recv() (*AudioFrame, error)
	grpc.ServerStream
}

type audioStreamServiceStreamAudioServer struct {
	grpc.ServerStream
}

func (x *audioStreamServiceStreamAudioServer) SendAndClose(m *StreamAck) error {
	return x.ServerStream.SendMsg(m)
}

func (x *audioStreamServiceStreamAudioServer) Recv() (*AudioFrame, error) {
	m := new(AudioFrame)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type AudioStreamService_SubscribeTranscriptServer interface {
	Send(*models.Event) error
	grpc.ServerStream
}

type audioStreamServiceSubscribeTranscriptServer struct {
	grpc.ServerStream
}

func (x *audioStreamServiceSubscribeTranscriptServer) Send(m *models.Event) error {
	return x.ServerStream.SendMsg(m)
}

func streamAudioHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AudioStreamServiceServer).StreamAudio(&audioStreamServiceStreamAudioServer{stream})
}

func subscribeTranscriptHandler(srv any, stream grpc.ServerStream) error {
	m := new(SubscribeRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(AudioStreamServiceServer).SubscribeTranscript(m, &audioStreamServiceSubscribeTranscriptServer{stream})
}

// AudioStreamService_ServiceDesc describes the service for grpc.Server.
var AudioStreamService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AudioStreamServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamAudio",
			Handler:       streamAudioHandler,
			ClientStreams: true,
		},
		{
			StreamName:    "SubscribeTranscript",
			Handler:       subscribeTranscriptHandler,
			ServerStreams: true,
		},
	},
	// No .proto file backs this service; reflection lists it by name only.
	Metadata: "",
}

// AudioStreamServiceClient is the client API.
type AudioStreamServiceClient interface {
	StreamAudio(ctx context.Context, opts ...grpc.CallOption) (AudioStreamService_StreamAudioClient, error)
	SubscribeTranscript(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (AudioStreamService_SubscribeTranscriptClient, error)
}

type audioStreamServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewAudioStreamServiceClient returns a client that always uses the JSON
// codec.
func NewAudioStreamServiceClient(cc grpc.ClientConnInterface) AudioStreamServiceClient {
	return &audioStreamServiceClient{cc}
}

func (c *audioStreamServiceClient) StreamAudio(ctx context.Context, opts ...grpc.CallOption) (AudioStreamService_StreamAudioClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &AudioStreamService_ServiceDesc.Streams[0], "/"+ServiceName+"/StreamAudio", opts...)
	if err != nil {
		return nil, err
	}
	return &audioStreamServiceStreamAudioClient{stream}, nil
}

type AudioStreamService_StreamAudioClient interface {
	Send(*AudioFrame) error
	CloseAndRecv() (*StreamAck, error)
	grpc.ClientStream
}

type audioStreamServiceStreamAudioClient struct {
	grpc.ClientStream
}

func (x *audioStreamServiceStreamAudioClient) Send(m *AudioFrame) error {
	return x.ClientStream.SendMsg(m)
}

func (x *audioStreamServiceStreamAudioClient) CloseAndRecv() (*StreamAck, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(StreamAck)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *audioStreamServiceClient) SubscribeTranscript(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (AudioStreamService_SubscribeTranscriptClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &AudioStreamService_ServiceDesc.Streams[1], "/"+ServiceName+"/SubscribeTranscript", opts...)
	if err != nil {
		return nil, err
	}
	x := &audioStreamServiceSubscribeTranscriptClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type AudioStreamService_SubscribeTranscriptClient interface {
	Recv() (*models.Event, error)
	grpc.ClientStream
}

type audioStreamServiceSubscribeTranscriptClient struct {
	grpc.ClientStream
}

func (x *audioStreamServiceSubscribeTranscriptClient) Recv() (*models.Event, error) {
	m := new(models.Event)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

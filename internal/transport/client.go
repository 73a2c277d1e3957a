package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/flclient"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

type ClientOptions struct {
	ClientId    string
	DialOptions []grpc.DialOption
}

// StartClient joins the aggregator at address and serves its instructions
// until the aggregator asks the client to disconnect, closes the stream, or
// ctx is cancelled. Only transport failures are returned as errors.
func StartClient(ctx context.Context, logger hclog.Logger, address string, client flclient.IFlClient, opts ClientOptions) error {
	clientId := opts.ClientId
	if clientId == "" {
		clientId = uuid.New().String()
	}

	dialOptions := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(common.MAX_MESSAGE_SIZE),
			grpc.MaxCallSendMsgSize(common.MAX_MESSAGE_SIZE),
		),
	}, opts.DialOptions...)

	conn, err := grpc.NewClient(address, dialOptions...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", address, err)
	}
	defer conn.Close()

	streamCtx := metadata.AppendToOutgoingContext(ctx, common.CLIENT_ID_METADATA_KEY, clientId)
	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], joinMethod)
	if err != nil {
		return fmt.Errorf("joining %s: %w", address, err)
	}

	logger.Info(fmt.Sprintf("Joined aggregator %s as client %s", address, clientId))

	for {
		msg := &ServerMessage{}
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("Aggregator closed the session")
				return nil
			}
			if ctx.Err() != nil {
				logger.Info("Session cancelled")
				return nil
			}
			return fmt.Errorf("receiving instruction: %w", err)
		}

		reply, disconnect, err := handleInstruction(ctx, logger, client, msg)
		if err != nil {
			return err
		}

		if err := stream.SendMsg(reply); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sending %s result: %w", msg.kind(), err)
		}

		if disconnect {
			logger.Info("Aggregator requested disconnect")
			return stream.CloseSend()
		}
	}
}

// handleInstruction runs one instruction on the client. Round failures become
// a failed status on the reply so the aggregator drops this client's result.
func handleInstruction(ctx context.Context, logger hclog.Logger, client flclient.IFlClient, msg *ServerMessage) (*ClientMessage, bool, error) {
	switch {
	case msg.ReconnectIns != nil:
		return &ClientMessage{DisconnectRes: &model.DisconnectRes{Reason: "RECONNECT"}}, true, nil

	case msg.GetParametersIns != nil:
		params, err := client.GetParameters(ctx, msg.GetParametersIns.Config)
		res := &model.GetParametersRes{Status: statusOf(logger, "get_parameters", model.StatusGetParametersFailed, err)}
		if err == nil {
			res.Parameters = params
		}
		return &ClientMessage{GetParametersRes: res}, false, nil

	case msg.FitIns != nil:
		res, err := client.Fit(ctx, msg.FitIns.Parameters, msg.FitIns.Config)
		if err != nil {
			res = model.FitRes{}
		}
		res.Status = statusOf(logger, "fit", model.StatusFitFailed, err)
		return &ClientMessage{FitRes: &res}, false, nil

	case msg.EvaluateIns != nil:
		res, err := client.Evaluate(ctx, msg.EvaluateIns.Parameters, msg.EvaluateIns.Config)
		if err != nil {
			res = model.EvaluateRes{}
		}
		res.Status = statusOf(logger, "evaluate", model.StatusEvaluateFailed, err)
		return &ClientMessage{EvaluateRes: &res}, false, nil

	default:
		return nil, false, fmt.Errorf("%w: server message carries no instruction", ErrUnexpectedMessage)
	}
}

func statusOf(logger hclog.Logger, operation string, failed model.StatusCode, err error) model.Status {
	if err == nil {
		return model.Status{Code: model.StatusOK}
	}
	logger.Error("Operation failed", "operation", operation, "error", err)
	return model.Status{Code: failed, Message: err.Error()}
}

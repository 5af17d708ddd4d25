package ml

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forest-guardian/cropmap/internal/dataset"
	"github.com/forest-guardian/cropmap/internal/logging"
	"github.com/schollz/progressbar/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const maxMessageSize = 64 * 1024 * 1024

type TrainerClient struct {
	conn *grpc.ClientConn
	// BatchSize is the number of chips per Predict call.
	BatchSize    int
	ShowProgress bool
}

// NewTrainerClient does not connect; the first call does. Extra options are
// appended after the defaults.
func NewTrainerClient(addr string, opts ...grpc.DialOption) (*TrainerClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to trainer at %s: %w", addr, err)
	}
	return &TrainerClient{conn: conn, BatchSize: 8}, nil
}

func (c *TrainerClient) Close() error {
	return c.conn.Close()
}

func (c *TrainerClient) Train(ctx context.Context, req TrainRequest) (*TrainResult, error) {
	if err := req.Hyperparameters.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hyperparameters: %w", err)
	}
	in, err := EncodeTrainRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode train request: %w", err)
	}
	if req.Hyperparameters.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Hyperparameters.Timeout)
		defer cancel()
	}

	logging.FromContext(ctx).Info("training started",
		slog.String("architecture", req.Hyperparameters.Architecture),
		slog.String("train", req.TrainPath),
		slog.Int("epochs", req.Hyperparameters.Epochs))

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, trainMethod, in, out); err != nil {
		return nil, fmt.Errorf("error calling Train: %w", err)
	}
	return DecodeTrainResult(out)
}

// Predict sends chips in batches of BatchSize and returns one prediction per
// chip, in the order of chips.
func (c *TrainerClient) Predict(ctx context.Context, checkpoint string, chips []dataset.Chip) ([]Prediction, error) {
	batchSize := c.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	var bar *progressbar.ProgressBar
	if c.ShowProgress {
		bar = progressbar.Default(int64(len(chips)), "Predicting chips")
	} else {
		bar = progressbar.DefaultSilent(int64(len(chips)), "Predicting chips")
	}
	defer bar.Finish()

	predictions := make([]Prediction, 0, len(chips))
	for start := 0; start < len(chips); start += batchSize {
		batch := chips[start:min(start+batchSize, len(chips))]
		in, err := EncodePredictRequest(checkpoint, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to encode predict request: %w", err)
		}
		out := new(structpb.Struct)
		if err := c.conn.Invoke(ctx, predictMethod, in, out); err != nil {
			return nil, fmt.Errorf("error calling Predict: %w", err)
		}
		got, err := DecodePredictions(out)
		if err != nil {
			return nil, err
		}
		if len(got) != len(batch) {
			return nil, fmt.Errorf("trainer returned %d predictions for %d chips", len(got), len(batch))
		}
		predictions = append(predictions, got...)
		bar.Add(len(batch))
	}
	return predictions, nil
}

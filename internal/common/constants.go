package common

import "time"

// Client defaults
const DEFAULT_SERVER_ADDRESS = "localhost:8080"
const DEFAULT_LABEL_COLUMN = "label"
const DEFAULT_TEST_SIZE = 0.2
const DEFAULT_SPLIT_SEED = 42
const DEFAULT_LOCAL_EPOCHS = 3
const DEFAULT_BATCH_SIZE = 64
const DEFAULT_ACCURACY_THRESHOLD = 0.5

// Round config keys
const CONFIG_LOCAL_EPOCHS = "local-epochs"
const CONFIG_BATCH_SIZE = "batch-size"

// Metric keys
const METRIC_ACCURACY = "accuracy"
const METRIC_TRAIN_LOSS = "train_loss"
const METRIC_POSITIVE_FRACTION = "positive_fraction"

// Transport
const CLIENT_ID_METADATA_KEY = "client-id"
const MAX_MESSAGE_SIZE = 64 << 20

// Aggregator defaults
const GLOBAL_AGGREGATOR_ADDRESS = "0.0.0.0:8080"
const GLOBAL_AGGREGATOR_ROUNDS = 10
const GLOBAL_AGGREGATOR_HTTP_ADDRESS = ":9090"
const RESULTS_DIRECTORY = "experiments/results"

// Events
const ROUND_FINISHED_EVENT_TYPE = "RoundFinished"
const FL_FINISHED_EVENT_TYPE = "FlFinished"
const CLIENT_STATE_CHANGE_EVENT_TYPE = "ClientStateChanged"

// Client states
const CLIENT_JOINED = "JOINED"
const CLIENT_LEFT = "LEFT"

// Aggregator run
const GLOBAL_AGGREGATOR_MIN_CLIENTS = 2
const GLOBAL_AGGREGATOR_ROUND_TIMEOUT = 10 * time.Minute
const DISCONNECT_TIMEOUT = 10 * time.Second
const PROGRESS_NOTIFIER_SCHEDULE = "@every 30s"

// Convergence of the aggregated accuracy
const CONVERGENCE_THRESHOLD = 0.01
const CONVERGENCE_PATIENCE = 5
const CONVERGENCE_WINDOW = 3

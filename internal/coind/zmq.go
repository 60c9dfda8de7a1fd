package coind

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/hivepool/pkg/log"
)

// TopicHashBlock is the daemon's new-tip notification.
const TopicHashBlock = "hashblock"

// pollInterval bounds how long Listen waits before rechecking its context.
const pollInterval = 250 * time.Millisecond

// ZMQNotifier receives notifications from the daemon's ZMQ publisher.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a SUB socket for endpoint.
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx ends. Handler errors are
// logged and do not stop the loop.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	for {
		if err := ctx.Err(); err != nil {
			z.logger.Info("ZMQ listener stopping")
			return err
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			z.logger.WithError(err).Warn("ZMQ poll failed")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}
		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if err := handler(topic, msg[1]); err != nil {
			z.logger.WithError(err).Error("failed to handle ZMQ message", "topic", topic)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockNotificationHandler turns hashblock messages into callbacks.
type BlockNotificationHandler struct {
	logger     *log.Logger
	onNewBlock func(blockHash string) error
}

// NewBlockNotificationHandler creates a handler that calls onNewBlock with
// the display-order hash of every new tip.
func NewBlockNotificationHandler(logger *log.Logger, onNewBlock func(blockHash string) error) *BlockNotificationHandler {
	return &BlockNotificationHandler{
		logger:     logger.WithComponent("zmq"),
		onNewBlock: onNewBlock,
	}
}

// HandleMessage handles a ZMQ message
func (h *BlockNotificationHandler) HandleMessage(topic string, data []byte) error {
	if topic != TopicHashBlock {
		h.logger.Debug("ignoring ZMQ topic", "topic", topic)
		return nil
	}

	// The publisher already sends the hash in display order.
	if len(data) != 32 {
		return fmt.Errorf("invalid block hash length: %d", len(data))
	}
	hash := hex.EncodeToString(data)
	h.logger.Info("new block notification", "hash", hash)

	if h.onNewBlock != nil {
		return h.onNewBlock(hash)
	}
	return nil
}

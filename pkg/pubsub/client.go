package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/angelmondragon/ledger-notify/pkg/config"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ChannelAttribute carries the logical change feed channel on each message.
const ChannelAttribute = "channel"

type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
}

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNoSubscriptions   = errors.New("pubsub subscription name is required")
)

// NewClient creates a Pub/Sub v2 client and ensures the changes subscription exists.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(gcp.ProjectID) == "" {
		return nil, errProjectIDRequired
	}

	psClient, err := pubsub.NewClient(ctx, gcp.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{
		client:    psClient,
		projectID: gcp.ProjectID,
		cfg:       cfg,
	}

	if err := c.ensureSubscriptionExists(ctx, cfg.ChangesSubscription); err != nil {
		_ = psClient.Close()
		return nil, err
	}

	if logg != nil {
		ctx = logg.WithFields(ctx, map[string]any{
			"topic":        cfg.ChangesTopic,
			"subscription": cfg.ChangesSubscription,
		})
		logg.Info(ctx, "pubsub client initialized")
	}

	return c, nil
}

func (c *Client) ensureSubscriptionExists(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return errNoSubscriptions
	}
	fullName := c.subscriptionResourceName(name)
	if fullName == "" {
		return fmt.Errorf("subscription %q not configured", name)
	}

	_, err := c.client.SubscriptionAdminClient.GetSubscription(
		ctx,
		&pubsubpb.GetSubscriptionRequest{Subscription: fullName},
	)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("subscription %q does not exist", name)
		}
		return fmt.Errorf("checking subscription %q: %w", name, err)
	}

	return nil
}

// ChangesPublisher returns a blocking publisher for the changes topic.
func (c *Client) ChangesPublisher() *TopicPublisher {
	if c == nil || c.client == nil {
		return nil
	}
	fullName := c.topicResourceName(c.cfg.ChangesTopic)
	if fullName == "" {
		return nil
	}
	return &TopicPublisher{pub: c.client.Publisher(fullName)}
}

// ChangesReceiver returns a receiver bound to this instance's changes subscription.
func (c *Client) ChangesReceiver() *SubscriptionReceiver {
	if c == nil || c.client == nil {
		return nil
	}
	fullName := c.subscriptionResourceName(c.cfg.ChangesSubscription)
	if fullName == "" {
		return nil
	}
	return &SubscriptionReceiver{sub: c.client.Subscriber(fullName)}
}

// Ping verifies Pub/Sub connectivity by checking the changes subscription exists.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("pubsub client not initialized")
	}
	return c.ensureSubscriptionExists(ctx, c.cfg.ChangesSubscription)
}

// Close releases the Pub/Sub client resources.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// TopicPublisher publishes and waits for the server ack.
type TopicPublisher struct {
	pub *pubsub.Publisher
}

func (p *TopicPublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) error {
	result := p.pub.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publishing message: %w", err)
	}
	return nil
}

// Stop flushes pending messages.
func (p *TopicPublisher) Stop() {
	p.pub.Stop()
}

// SubscriptionReceiver acks every message after the handler returns.
type SubscriptionReceiver struct {
	sub *pubsub.Subscriber
}

func (r *SubscriptionReceiver) Receive(ctx context.Context, fn func(ctx context.Context, data []byte, attrs map[string]string)) error {
	return r.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		fn(ctx, msg.Data, msg.Attributes)
		msg.Ack()
	})
}

func (c *Client) subscriptionResourceName(name string) string {
	if c == nil {
		return ""
	}
	return resourceName(c.projectID, "subscriptions", name)
}

func (c *Client) topicResourceName(name string) string {
	if c == nil {
		return ""
	}
	return resourceName(c.projectID, "topics", name)
}

func resourceName(projectID, kind, name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+kind+"/") {
		return n
	}
	p := strings.TrimSpace(projectID)
	if p == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/%s/%s", p, kind, n)
}

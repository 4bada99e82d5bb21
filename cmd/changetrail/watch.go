package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"changetrail/config"
	"changetrail/domain/changeset"
	"changetrail/errors"
	"changetrail/logging"
	"changetrail/messaging"
)

// watchWildcard redis 与 nats 传输都以 "*" 表示订阅全部类型
const watchWildcard = "*"

type notification struct {
	ID        string               `json:"id" yaml:"id"`
	Type      string               `json:"type" yaml:"type"`
	Timestamp time.Time            `json:"timestamp" yaml:"timestamp"`
	Metadata  map[string]any       `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	ChangeSet *changeset.ChangeSet `json:"changeSet,omitempty" yaml:"changeSet,omitempty"`
}

// printer 串行输出，传输层可能并发回调
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	format string
	only   map[string]bool
	logger logging.Logger
}

func (p *printer) Handle(ctx context.Context, msg messaging.IMessage) error {
	if len(p.only) > 0 {
		collection, _ := msg.GetMetadata()[messaging.MetaCollection].(string)
		if !p.only[collection] {
			return nil
		}
	}
	n := notification{ID: msg.GetID(), Type: msg.GetType(), Timestamp: msg.GetTimestamp(), Metadata: msg.GetMetadata()}
	var cs changeset.ChangeSet
	if err := messaging.DecodePayload(msg, &cs); err != nil {
		p.logger.Warn(ctx, "undecodable notification payload", logging.String("message_id", msg.GetID()), logging.Error(err))
	} else {
		n.ChangeSet = &cs
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return render(p.w, p.format, n)
}

func (p *printer) Type() string { return "watch-printer" }

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var collections []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print change set notifications until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			switch a.cfg.Notifications.Transport {
			case config.TransportRedis, config.TransportNATS:
			default:
				return errors.NewError(errors.ErrCodeUnsupported, "watch requires a redis or nats notifications transport")
			}

			p := &printer{w: cmd.OutOrStdout(), format: opts.output, logger: a.logger}
			if len(collections) > 0 {
				p.only = make(map[string]bool, len(collections))
				for _, c := range collections {
					p.only[c] = true
				}
			}
			if err := a.bus.Subscribe(ctx, watchWildcard, p); err != nil {
				return errors.WrapError(err, errors.ErrCodeQueue, "subscribe")
			}
			if err := a.start(ctx); err != nil {
				return err
			}
			a.logger.Info(ctx, "watching change set notifications", logging.String("transport", a.cfg.Notifications.Transport))
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&collections, "collection", nil, "only print notifications for these collections")
	return cmd
}

package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/slbailey/Retrovue-sub002/internal/relay"
	"github.com/slbailey/Retrovue-sub002/internal/schedule"
	"github.com/slbailey/Retrovue-sub002/internal/stationclock"
	"github.com/slbailey/Retrovue-sub002/internal/util"
)

// ChannelHandler handles the channel status and reload endpoints.
type ChannelHandler struct {
	registry *relay.Registry
	clock    *stationclock.Clock
	logger   *slog.Logger
}

// NewChannelHandler creates a new channel handler.
func NewChannelHandler(registry *relay.Registry, clock *stationclock.Clock) *ChannelHandler {
	return &ChannelHandler{
		registry: registry,
		clock:    clock,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *ChannelHandler) WithLogger(logger *slog.Logger) *ChannelHandler {
	h.logger = logger
	return h
}

// Register registers the channel routes with the API.
func (h *ChannelHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listChannels",
		Method:      "GET",
		Path:        "/api/v1/channels",
		Summary:     "List channels",
		Description: "Returns every known channel with its schedule state, client count and live source",
		Tags:        []string{"Channels"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getChannel",
		Method:      "GET",
		Path:        "/api/v1/channels/{channelId}",
		Summary:     "Get channel",
		Description: "Returns one channel's status including the item on air at station now",
		Tags:        []string{"Channels"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID: "reloadChannel",
		Method:      "POST",
		Path:        "/api/v1/channels/{channelId}/reload",
		Summary:     "Reload channel schedule",
		Description: "Re-reads the channel's schedule file. A failed reload keeps a previously valid schedule. A live source is not affected.",
		Tags:        []string{"Channels"},
	}, h.Reload)
}

// ListChannelsInput is the input for listing channels.
type ListChannelsInput struct{}

// ListChannelsOutput is the output for listing channels.
type ListChannelsOutput struct {
	Body struct {
		Channels []ChannelResponse `json:"channels"`
		Total    int               `json:"total"`
	}
}

// List returns every registered channel sorted by id.
func (h *ChannelHandler) List(ctx context.Context, input *ListChannelsInput) (*ListChannelsOutput, error) {
	channels := h.registry.Channels()

	resp := &ListChannelsOutput{}
	resp.Body.Channels = make([]ChannelResponse, 0, len(channels))
	for _, c := range channels {
		resp.Body.Channels = append(resp.Body.Channels, h.channelResponse(ctx, c))
	}
	resp.Body.Total = len(channels)
	return resp, nil
}

// GetChannelInput is the input for getting a channel.
type GetChannelInput struct {
	ChannelID string `path:"channelId" doc:"Channel id"`
}

// GetChannelOutput is the output for getting a channel.
type GetChannelOutput struct {
	Body ChannelResponse
}

// GetByID returns a single channel. Unknown channels are not created.
func (h *ChannelHandler) GetByID(ctx context.Context, input *GetChannelInput) (*GetChannelOutput, error) {
	if !schedule.ValidChannelID(input.ChannelID) {
		return nil, huma.Error400BadRequest("invalid channel id")
	}

	c, ok := h.registry.Lookup(input.ChannelID)
	if !ok {
		return nil, huma.Error404NotFound("channel not found")
	}

	return &GetChannelOutput{Body: h.channelResponse(ctx, c)}, nil
}

// ReloadChannelInput is the input for reloading a channel.
type ReloadChannelInput struct {
	ChannelID string `path:"channelId" doc:"Channel id"`
}

// ReloadChannelOutput is the output for reloading a channel.
type ReloadChannelOutput struct {
	Body struct {
		ID      string          `json:"id"`
		State   string          `json:"state"`
		Reason  string          `json:"reason,omitempty"`
		Error   string          `json:"error,omitempty" doc:"Why the reload failed; the state above is what remains in effect"`
		Channel ChannelResponse `json:"channel"`
	}
}

// Reload re-reads a channel's schedule file.
func (h *ChannelHandler) Reload(ctx context.Context, input *ReloadChannelInput) (*ReloadChannelOutput, error) {
	c, err := h.registry.Get(input.ChannelID)
	if err != nil {
		if status := relayErrorStatus(err); status < 500 {
			return nil, huma.NewError(status, err.Error())
		}
		return nil, huma.Error503ServiceUnavailable(err.Error())
	}

	status, reloadErr := c.Reload()

	resp := &ReloadChannelOutput{}
	resp.Body.ID = c.ID()
	resp.Body.State = status.State.String()
	resp.Body.Reason = status.Reason
	if reloadErr != nil {
		resp.Body.Error = reloadErr.Error()
	}
	resp.Body.Channel = h.channelResponse(ctx, c)

	h.logger.Info("channel reload requested",
		slog.String("channel_id", c.ID()),
		slog.String("state", resp.Body.State),
		slog.Bool("ok", reloadErr == nil),
	)
	return resp, nil
}

func (h *ChannelHandler) channelResponse(ctx context.Context, c *relay.Controller) ChannelResponse {
	st := c.Status()
	now := h.clock.NowUTC()

	resp := ChannelResponse{
		ID:      st.ID,
		State:   st.State,
		Reason:  st.Reason,
		Items:   st.Items,
		Listed:  c.FileBacked(),
		Clients: st.Clients,
	}
	if !st.LoadedAt.IsZero() {
		loadedAt := st.LoadedAt
		resp.LoadedAt = &loadedAt
	}

	if item, ok := st.Schedule.ActiveItem(now); ok {
		resp.CurrentItem = itemResponse(item, now)
	}
	if item, ok := st.Schedule.NextItem(now); ok {
		resp.NextItem = itemResponse(item, now)
	}

	if st.Source != nil {
		var proc *util.ProcessStats
		if st.Source.PID > 0 && st.Source.Alive {
			if sample, err := util.SampleProcess(ctx, st.Source.PID); err == nil {
				proc = &sample
			}
		}
		resp.Source = sourceResponse(st.Source, proc)
	}

	return resp
}

// Package protocol defines the gateway's wire shapes (spec §6): the single
// admission envelope (auth, encrypted nonce payload, and the plaintext
// command set alongside it) and the type-keyed batched response.
// Translation to and from internal/dispatch types lives here so neither
// package needs to know about JSON tags.
package protocol

import (
	"github.com/itskum47/worldgate/internal/dispatch"
	"github.com/itskum47/worldgate/internal/gwerrors"
	"github.com/itskum47/worldgate/internal/keygen"
	"github.com/itskum47/worldgate/internal/validate"
)

// Envelope is the single request body: the admission fields alongside the
// plaintext command set. The ciphertext only ever decrypts to
// worldInstanceId; commands travel in the clear (spec §6).
type Envelope struct {
	Auth            string     `json:"auth"`
	Encrypted       string     `json:"encrypted"`
	Nonce           string     `json:"nonce"`
	WorldInstanceID string     `json:"worldInstanceId"`
	Commands        CommandSet `json:"commands"`
}

// CommandSet is the type-keyed command batch (spec §6).
type CommandSet struct {
	Load   []LoadCommand   `json:"load,omitempty"`
	Save   []SaveCommand   `json:"save,omitempty"`
	Send   []SendCommand   `json:"send,omitempty"`
	Recv   []RecvCommand   `json:"recv,omitempty"`
	Search []SearchCommand `json:"search,omitempty"`
	Rank   []RankCommand   `json:"rank,omitempty"`
	Top    []TopCommand    `json:"top,omitempty"`
}

type LoadCommand struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	WorldID    int64  `json:"worldId"`
	Version    int64  `json:"version,omitempty"`
}

type SaveCommand struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	WorldID    int64          `json:"worldId"`
	Attributes map[string]any `json:"attributes"`
	IsCreate   bool           `json:"isCreate,omitempty"`
	IsDelete   bool           `json:"isDelete,omitempty"`
}

type SendCommand struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	WorldID    int64          `json:"worldId"`
	Message    map[string]any `json:"message"`
}

type RecvCommand struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	WorldID    int64  `json:"worldId"`
	Timestamp  string `json:"timestamp,omitempty"`
	Count      int    `json:"count,omitempty"`
}

type SearchCommand struct {
	EntityType  string `json:"entityType"`
	WorldID     int64  `json:"worldId"`
	NamePattern string `json:"namePattern"`
	Limit       int    `json:"limit,omitempty"`
}

type RankCommand struct {
	EntityType string `json:"entityType"`
	WorldID    int64  `json:"worldId"`
	EntityID   string `json:"entityId"`
	RankKey    string `json:"rankKey"`
}

type TopCommand struct {
	EntityType string `json:"entityType"`
	WorldID    int64  `json:"worldId"`
	RankKey    string `json:"rankKey"`
	SortOrder  string `json:"sortOrder,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// Response is the batched response body (spec §6): each array is
// index-aligned with its corresponding request array.
type Response struct {
	Load   []any `json:"load,omitempty"`
	Save   []any `json:"save,omitempty"`
	Send   []any `json:"send,omitempty"`
	Recv   []any `json:"recv,omitempty"`
	Search []any `json:"search,omitempty"`
	Rank   []any `json:"rank,omitempty"`
	Top    []any `json:"top,omitempty"`
}

func entity(env, entityType, entityID string, worldID int64) keygen.Entity {
	return keygen.Entity{Environment: env, EntityType: entityType, EntityID: entityID, WorldID: worldID}
}

// ParseLoadCommand validates and translates a wire load command.
func ParseLoadCommand(env string, c LoadCommand) (dispatch.Command, *gwerrors.GatewayError) {
	if err := validateEntityShape(c.EntityType, c.EntityID, c.WorldID); err != nil {
		return dispatch.Command{}, err
	}
	return dispatch.Command{Type: dispatch.Load, Entity: entity(env, c.EntityType, c.EntityID, c.WorldID), Version: c.Version}, nil
}

// ParseSaveCommand validates and translates a wire save command.
func ParseSaveCommand(env string, c SaveCommand) (dispatch.Command, *gwerrors.GatewayError) {
	if err := validateEntityShape(c.EntityType, c.EntityID, c.WorldID); err != nil {
		return dispatch.Command{}, err
	}
	if c.Attributes != nil {
		if err := validate.Attributes(c.Attributes); err != nil {
			return dispatch.Command{}, gwerrors.Wrap(gwerrors.ValidationFailed, "invalid attributes", err)
		}
	}
	return dispatch.Command{
		Type:       dispatch.Save,
		Entity:     entity(env, c.EntityType, c.EntityID, c.WorldID),
		Attributes: c.Attributes,
		IsCreate:   c.IsCreate,
		IsDelete:   c.IsDelete,
	}, nil
}

// ParseSendCommand validates and translates a wire send command.
func ParseSendCommand(env string, c SendCommand) (dispatch.Command, *gwerrors.GatewayError) {
	if err := validateEntityShape(c.EntityType, c.EntityID, c.WorldID); err != nil {
		return dispatch.Command{}, err
	}
	return dispatch.Command{Type: dispatch.Send, Entity: entity(env, c.EntityType, c.EntityID, c.WorldID), Body: c.Message}, nil
}

// ParseRecvCommand validates and translates a wire recv command. The
// world instance pulling is threaded in separately from the command
// itself so affinity tracks the caller, not a wire field.
func ParseRecvCommand(env, worldInstanceID string, c RecvCommand) (dispatch.Command, *gwerrors.GatewayError) {
	if err := validateEntityShape(c.EntityType, c.EntityID, c.WorldID); err != nil {
		return dispatch.Command{}, err
	}
	return dispatch.Command{
		Type:            dispatch.Recv,
		Entity:          entity(env, c.EntityType, c.EntityID, c.WorldID),
		WorldInstanceID: worldInstanceID,
		Timestamp:       c.Timestamp,
		Count:           c.Count,
	}, nil
}

// ParseSearchCommand validates and translates a wire search command.
func ParseSearchCommand(env string, c SearchCommand) (dispatch.Command, *gwerrors.GatewayError) {
	if err := validate.EntityType(c.EntityType); err != nil {
		return dispatch.Command{}, gwerrors.Wrap(gwerrors.ValidationFailed, "invalid entityType", err)
	}
	if err := validate.WorldID(c.WorldID); err != nil {
		return dispatch.Command{}, gwerrors.Wrap(gwerrors.ValidationFailed, "invalid worldId", err)
	}
	return dispatch.Command{
		Type:        dispatch.Search,
		Entity:      entity(env, c.EntityType, "", c.WorldID),
		NamePattern: c.NamePattern,
		Limit:       c.Limit,
	}, nil
}

// ParseRankCommand validates and translates a wire rank command.
func ParseRankCommand(env string, c RankCommand) (dispatch.Command, *gwerrors.GatewayError) {
	if err := validateEntityShape(c.EntityType, c.EntityID, c.WorldID); err != nil {
		return dispatch.Command{}, err
	}
	scoreType, partition, err := validate.RankKey(c.RankKey)
	if err != nil {
		return dispatch.Command{}, gwerrors.Wrap(gwerrors.ValidationFailed, "invalid rankKey", err)
	}
	return dispatch.Command{
		Type:      dispatch.Rank,
		Entity:    entity(env, c.EntityType, c.EntityID, c.WorldID),
		ScoreType: scoreType,
		Partition: partition,
	}, nil
}

// ParseTopCommand validates and translates a wire top command.
func ParseTopCommand(env string, c TopCommand) (dispatch.Command, *gwerrors.GatewayError) {
	if err := validate.EntityType(c.EntityType); err != nil {
		return dispatch.Command{}, gwerrors.Wrap(gwerrors.ValidationFailed, "invalid entityType", err)
	}
	if err := validate.WorldID(c.WorldID); err != nil {
		return dispatch.Command{}, gwerrors.Wrap(gwerrors.ValidationFailed, "invalid worldId", err)
	}
	scoreType, partition, err := validate.RankKey(c.RankKey)
	if err != nil {
		return dispatch.Command{}, gwerrors.Wrap(gwerrors.ValidationFailed, "invalid rankKey", err)
	}
	sortOrder, err := validate.SortOrder(c.SortOrder)
	if err != nil {
		return dispatch.Command{}, gwerrors.Wrap(gwerrors.ValidationFailed, "invalid sortOrder", err)
	}
	return dispatch.Command{
		Type:      dispatch.Top,
		Entity:    entity(env, c.EntityType, "", c.WorldID),
		ScoreType: scoreType,
		Partition: partition,
		SortOrder: sortOrder,
		Limit:     c.Limit,
	}, nil
}

func validateEntityShape(entityType, entityID string, worldID int64) *gwerrors.GatewayError {
	if err := validate.EntityType(entityType); err != nil {
		return gwerrors.Wrap(gwerrors.ValidationFailed, "invalid entityType", err)
	}
	if err := validate.EntityID(entityID); err != nil {
		return gwerrors.Wrap(gwerrors.ValidationFailed, "invalid entityId", err)
	}
	if err := validate.WorldID(worldID); err != nil {
		return gwerrors.Wrap(gwerrors.ValidationFailed, "invalid worldId", err)
	}
	return nil
}

// ResultFor translates one internal dispatch.Result into its wire-shaped
// response element. A failed command surfaces {success:false, error}
// (spec §7); a succeeded one returns the per-type shape dispatch already
// built into Data.
func ResultFor(r dispatch.Result) any {
	if r.Err != nil {
		return map[string]any{"success": false, "error": r.Err.Error()}
	}
	return r.Data
}

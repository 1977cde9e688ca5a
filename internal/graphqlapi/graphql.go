// Package graphqlapi serves a read-only GraphQL view of the console.
package graphqlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bakhe8/icgl/internal/client"
	"github.com/bakhe8/icgl/internal/dialogue"
	"github.com/bakhe8/icgl/internal/gate"
	"github.com/bakhe8/icgl/internal/store"
	"github.com/bakhe8/icgl/internal/stream"
	"github.com/bakhe8/icgl/internal/timeline"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/handler"
)

// Source exposes the console state the schema resolves against.
type Source interface {
	Timeline() []timeline.Event
	Session() dialogue.Session
	Transcript() []client.Message
	Pending() gate.Batch
	Decisions(ctx context.Context, limit int) ([]store.Decision, error)
	Connection() stream.State
}

// NewHandler returns an http.Handler that serves /graphql requests.
func NewHandler(src Source) (http.Handler, error) {
	schema, err := NewSchema(src)
	if err != nil {
		return nil, err
	}
	return handler.New(&handler.Config{
		Schema:   schema,
		Pretty:   true,
		GraphiQL: true,
	}), nil
}

// NewSchema builds the query schema over src.
func NewSchema(src Source) (*graphql.Schema, error) {
	jsonScalar := graphql.NewScalar(graphql.ScalarConfig{
		Name: "JSON",
		Serialize: func(value interface{}) interface{} {
			return value
		},
	})

	eventType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Event",
		Fields: graphql.Fields{
			"id":        {Type: graphql.NewNonNull(graphql.String)},
			"type":      {Type: graphql.NewNonNull(graphql.String)},
			"source":    {Type: graphql.String},
			"severity":  {Type: graphql.String},
			"timestamp": {Type: graphql.String},
			"payload":   {Type: jsonScalar},
		},
	})

	commandType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Command",
		Fields: graphql.Fields{
			"cmd":     {Type: graphql.NewNonNull(graphql.String)},
			"path":    {Type: graphql.String},
			"content": {Type: graphql.String},
			"status":  {Type: graphql.String},
			"output":  {Type: graphql.String},
		},
	})

	messageType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Message",
		Fields: graphql.Fields{
			"role":   {Type: graphql.NewNonNull(graphql.String)},
			"text":   {Type: graphql.String},
			"blocks": {Type: graphql.NewList(graphql.String)},
		},
	})

	sessionType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Session",
		Fields: graphql.Fields{
			"id":               {Type: graphql.String},
			"dialogueState":    {Type: graphql.String},
			"awaitingApproval": {Type: graphql.Boolean},
			"pendingIntent":    {Type: jsonScalar},
			"stream":           {Type: graphql.String},
		},
	})

	decisionType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Decision",
		Fields: graphql.Fields{
			"id":         {Type: graphql.NewNonNull(graphql.ID)},
			"sessionId":  {Type: graphql.String},
			"decision":   {Type: graphql.String},
			"failed":     {Type: graphql.Int},
			"commands":   {Type: graphql.NewList(commandType)},
			"startedAt":  {Type: graphql.String},
			"finishedAt": {Type: graphql.String},
		},
	})

	queryFields := graphql.Fields{
		"timeline": {
			Type: graphql.NewList(eventType),
			Args: graphql.FieldConfigArgument{
				"limit": {Type: graphql.Int},
				"type":  {Type: graphql.String},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				limit, _ := p.Args["limit"].(int)
				kind, _ := p.Args["type"].(string)
				return mapEvents(src.Timeline(), kind, limit), nil
			},
		},
		"session": {
			Type: sessionType,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return mapSession(src.Session(), src.Connection()), nil
			},
		},
		"transcript": {
			Type: graphql.NewList(messageType),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return mapMessages(src.Transcript()), nil
			},
		},
		"pendingCommands": {
			Type: graphql.NewList(commandType),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return mapCommands(src.Pending().Commands), nil
			},
		},
		"pendingBatchId": {
			Type: graphql.String,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				if id := src.Pending().ID; id != "" {
					return id, nil
				}
				return nil, nil
			},
		},
		"decisions": {
			Type: graphql.NewList(decisionType),
			Args: graphql.FieldConfigArgument{
				"limit": {Type: graphql.Int},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				limit := 25
				if l, ok := p.Args["limit"].(int); ok && l > 0 {
					limit = l
				}
				decisions, err := src.Decisions(p.Context, limit)
				if err != nil {
					return nil, err
				}
				return mapDecisions(decisions), nil
			},
		},
	}

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name:   "Query",
			Fields: queryFields,
		}),
	})
	if err != nil {
		return nil, err
	}
	return &schema, nil
}

func mapEvents(events []timeline.Event, kind string, limit int) []interface{} {
	result := make([]interface{}, 0, len(events))
	for _, evt := range events {
		if kind != "" && evt.Type != kind {
			continue
		}
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, map[string]interface{}{
			"id":        evt.ID,
			"type":      evt.Type,
			"source":    evt.Source,
			"severity":  string(evt.Severity),
			"timestamp": evt.Timestamp.Format(time.RFC3339Nano),
			"payload":   rawJSON(evt.Payload),
		})
	}
	return result
}

func mapSession(s dialogue.Session, state stream.State) map[string]interface{} {
	return map[string]interface{}{
		"id":               s.ID,
		"dialogueState":    string(s.DialogueState),
		"awaitingApproval": s.AwaitingApproval,
		"pendingIntent":    rawJSON(s.PendingIntent),
		"stream":           string(state),
	}
}

func mapMessages(messages []client.Message) []interface{} {
	result := make([]interface{}, 0, len(messages))
	for _, m := range messages {
		result = append(result, map[string]interface{}{
			"role":   m.Role,
			"text":   m.PlainText(),
			"blocks": m.BlockTypes(),
		})
	}
	return result
}

func mapCommands(cmds []gate.Command) []interface{} {
	result := make([]interface{}, 0, len(cmds))
	for _, cmd := range cmds {
		result = append(result, map[string]interface{}{
			"cmd":     cmd.Cmd,
			"path":    cmd.Path,
			"content": cmd.Content,
			"status":  string(cmd.Status),
			"output":  cmd.Output,
		})
	}
	return result
}

func mapDecisions(decisions []store.Decision) []interface{} {
	result := make([]interface{}, 0, len(decisions))
	for _, d := range decisions {
		result = append(result, map[string]interface{}{
			"id":         d.ID,
			"sessionId":  d.SessionID,
			"decision":   string(d.Decision),
			"failed":     d.Failed,
			"commands":   mapCommands(d.Commands),
			"startedAt":  d.StartedAt.Format(time.RFC3339),
			"finishedAt": d.FinishedAt.Format(time.RFC3339),
		})
	}
	return result
}

func rawJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return string(raw)
	}
	return value
}

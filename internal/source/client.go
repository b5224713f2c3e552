package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/silverline/silverline/internal/cdc"
	"github.com/silverline/silverline/internal/merge"
)

const OutputPlugin = "pgoutput"

type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SlotName        string
	PublicationName string

	// Keys names the columns forming the business key of normalized events.
	Keys []string
}

// Client connects to Postgres logical replication and normalizes pgoutput
// messages into ChangeEvents.
type Client struct {
	config    *Config
	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	typeMap   *pgtype.Map
	handler   BatchHandler

	pending []cdc.ChangeEvent
	arrival uint64
}

// BatchHandler consumes one transaction's worth of normalized events.
// *merge.Coordinator satisfies it.
type BatchHandler interface {
	ApplyBatch(ctx context.Context, events []cdc.ChangeEvent) (merge.BatchResult, error)
}

func NewClient(config *Config, handler BatchHandler) *Client {
	return &Client{
		config:    config,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		typeMap:   pgtype.NewMap(),
		handler:   handler,
	}
}

func (c *Client) Connect(ctx context.Context) error {
	connString := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s replication=database",
		c.config.Host,
		c.config.Port,
		c.config.Database,
		c.config.User,
		c.config.Password,
	)

	conn, err := pgconn.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	return nil
}

func (c *Client) CreateSlotIfNotExists(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	result, err := pglogrepl.CreateReplicationSlot(
		ctx,
		c.conn,
		c.config.SlotName,
		OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{},
	)

	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "42710" {
			return nil
		}
		return fmt.Errorf("failed to create replication slot: %w", err)
	}

	fmt.Printf("Created replication slot %s at LSN %s\n", result.SlotName, result.ConsistentPoint)
	return nil
}

func (c *Client) DropSlot(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	err := pglogrepl.DropReplicationSlot(ctx, c.conn, c.config.SlotName, pglogrepl.DropReplicationSlotOptions{})
	if err != nil {
		return fmt.Errorf("failed to drop replication slot: %w", err)
	}

	return nil
}

func (c *Client) StartReplication(ctx context.Context, startLSN pglogrepl.LSN) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	pluginArguments := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", c.config.PublicationName),
	}

	err := pglogrepl.StartReplication(
		ctx,
		c.conn,
		c.config.SlotName,
		startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: pluginArguments,
		},
	)

	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	return nil
}

func (c *Client) ReceiveMessage(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	msg, err := c.conn.ReceiveMessage(ctx)
	if err != nil {
		if pgconn.Timeout(err) {
			return nil
		}
		return fmt.Errorf("receive message failed: %w", err)
	}

	switch msg := msg.(type) {
	case *pgproto3.CopyData:
		return c.handleCopyData(ctx, msg.Data)
	default:
		return nil
	}
}

func (c *Client) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		return c.handleKeepalive(ctx, data[1:])
	case pglogrepl.XLogDataByteID:
		return c.handleXLogData(ctx, data[1:])
	}

	return nil
}

func (c *Client) handleKeepalive(ctx context.Context, data []byte) error {
	pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data)
	if err != nil {
		return fmt.Errorf("failed to parse keepalive: %w", err)
	}

	if pkm.ReplyRequested {
		return c.SendStandbyStatusUpdate(ctx, pkm.ServerWALEnd)
	}

	return nil
}

func (c *Client) handleXLogData(ctx context.Context, data []byte) error {
	xld, err := pglogrepl.ParseXLogData(data)
	if err != nil {
		return fmt.Errorf("failed to parse xlog data: %w", err)
	}

	return c.processWALData(ctx, xld.WALStart, xld.WALData)
}

// processWALData accumulates events per transaction and hands the batch to
// the coordinator at commit.
func (c *Client) processWALData(ctx context.Context, lsn pglogrepl.LSN, walData []byte) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("failed to parse logical replication message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		c.relations[msg.RelationID] = msg

	case *pglogrepl.BeginMessage:
		c.pending = c.pending[:0]

	case *pglogrepl.InsertMessage:
		return c.appendEvent(msg.RelationID, cdc.OperationInsert, msg.Tuple, lsn)

	case *pglogrepl.UpdateMessage:
		return c.appendEvent(msg.RelationID, cdc.OperationUpdate, msg.NewTuple, lsn)

	case *pglogrepl.DeleteMessage:
		return c.appendEvent(msg.RelationID, cdc.OperationDelete, msg.OldTuple, lsn)

	case *pglogrepl.CommitMessage:
		return c.flush(ctx, msg.CommitLSN)
	}

	return nil
}

func (c *Client) appendEvent(relationID uint32, op cdc.Operation, tuple *pglogrepl.TupleData, lsn pglogrepl.LSN) error {
	rel, ok := c.relations[relationID]
	if !ok {
		return fmt.Errorf("unknown relation ID: %d", relationID)
	}

	fields := tupleToFields(rel, tuple)
	c.arrival++

	c.pending = append(c.pending, cdc.ChangeEvent{
		Key:       c.businessKey(fields),
		Fields:    fields,
		Operation: op,
		Sequence: cdc.Sequence{
			Ordinal: uint64(lsn),
			Source:  rel.RelationName,
			Arrival: c.arrival,
		},
		Source: rel.RelationName,
	})

	return nil
}

func (c *Client) flush(ctx context.Context, commitLSN pglogrepl.LSN) error {
	if len(c.pending) == 0 {
		return nil
	}

	batch := c.pending
	c.pending = nil

	result, err := c.handler.ApplyBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to apply batch: %w", err)
	}
	if !result.OK() {
		return fmt.Errorf("batch partially failed: %d rejected, %d keys failed",
			len(result.Rejected), len(result.Failed))
	}

	return c.SendStandbyStatusUpdate(ctx, commitLSN)
}

func (c *Client) SendStandbyStatusUpdate(ctx context.Context, lsn pglogrepl.LSN) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	status := pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
	}

	return pglogrepl.SendStandbyStatusUpdate(ctx, c.conn, status)
}

func (c *Client) Close(ctx context.Context) error {
	if c.conn != nil {
		return c.conn.Close(ctx)
	}
	return nil
}

func (c *Client) businessKey(fields map[string]any) string {
	parts := make([]string, 0, len(c.config.Keys))
	for _, col := range c.config.Keys {
		v, ok := fields[col]
		if !ok || v == nil {
			return ""
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, "/")
}

// tupleToFields maps pgoutput tuple state onto the three-state field model:
// 't' present value, 'n' explicit null, 'u' (unchanged TOAST) absent.
func tupleToFields(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]any {
	fields := make(map[string]any)
	if tuple == nil {
		return fields
	}

	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		colName := rel.Columns[i].Name

		switch col.DataType {
		case 'n':
			fields[colName] = nil
		case 't':
			fields[colName] = string(col.Data)
		}
	}

	return fields
}

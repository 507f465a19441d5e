package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"

	"invoicehook/internal/logging"
)

// LNDGRPCConfig holds configuration for the LND gRPC client.
type LNDGRPCConfig struct {
	Address   string // host:port of the lnd RPC listener
	Macaroon  string // Hex encoded macaroon, or a path to a macaroon file
	TLSVerify string // Same semantics as LNDRestConfig.TLSVerify
}

// LNDGRPCClient implements NodeClient over lnd's native gRPC interface.
type LNDGRPCClient struct {
	conn             *grpc.ClientConn
	client           lnrpc.LightningClient
	macaroonMetadata metadata.MD
}

var invoiceMarshaler = protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: true}

// NewLNDGRPCClient prepares a gRPC connection. The connection is established
// lazily by the gRPC runtime.
func NewLNDGRPCClient(cfg LNDGRPCConfig) (*LNDGRPCClient, error) {
	if cfg.Address == "" {
		return nil, errors.New("lnd grpc address is required")
	}

	tlsConfig, err := loadTLSConfig(cfg.TLSVerify)
	if err != nil {
		return nil, err
	}

	macaroonHex, err := loadMacaroonHex(cfg.Macaroon)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	if err != nil {
		return nil, errors.Errorf("could not connect to lightning node: %v", err)
	}

	return &LNDGRPCClient{
		conn:             conn,
		client:           lnrpc.NewLightningClient(conn),
		macaroonMetadata: metadata.Pairs("macaroon", macaroonHex),
	}, nil
}

// loadMacaroonHex accepts either a hex string or a path to a binary macaroon.
func loadMacaroonHex(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if _, err := hex.DecodeString(value); err == nil {
		return value, nil
	}
	raw, err := os.ReadFile(value)
	if err != nil {
		return "", errors.Wrap(err, "read macaroon")
	}
	return hex.EncodeToString(raw), nil
}

func (c *LNDGRPCClient) withMacaroon(ctx context.Context) context.Context {
	return metadata.NewOutgoingContext(ctx, c.macaroonMetadata)
}

func (c *LNDGRPCClient) CreateInvoice(ctx context.Context, amountMsat int64, description string, expirySeconds int64) (*Invoice, error) {
	hash := sha256.Sum256([]byte(description))

	resp, err := c.client.AddInvoice(c.withMacaroon(ctx), &lnrpc.Invoice{
		Memo:            description,
		ValueMsat:       amountMsat,
		DescriptionHash: hash[:],
		Expiry:          expirySeconds,
	})
	if err != nil {
		return nil, errors.Wrap(err, "add invoice")
	}

	logging.LND.Debugf("created invoice add_index=%d", resp.AddIndex)

	return &Invoice{
		Index:          resp.AddIndex,
		PaymentRequest: resp.PaymentRequest,
	}, nil
}

func (c *LNDGRPCClient) SubscribeSettlements(ctx context.Context) (SettlementStream, error) {
	streamCtx, cancel := context.WithCancel(c.withMacaroon(ctx))

	invoices, err := c.client.SubscribeInvoices(streamCtx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		cancel()
		return nil, err
	}

	return &grpcStream{invoices: invoices, cancel: cancel}, nil
}

func (c *LNDGRPCClient) Close() error {
	if err := c.conn.Close(); err != nil {
		return errors.Errorf("could not close connection: %v", err)
	}
	return nil
}

type grpcStream struct {
	invoices lnrpc.Lightning_SubscribeInvoicesClient
	cancel   context.CancelFunc
}

func (s *grpcStream) Recv() (*StreamMessage, error) {
	invoice, err := s.invoices.Recv()
	if err != nil {
		return nil, err
	}

	payload, err := invoiceMarshaler.Marshal(invoice)
	if err != nil {
		return &StreamMessage{Kind: MessageMalformed, Err: errors.Wrap(err, "marshal invoice")}, nil
	}

	settled := invoice.State == lnrpc.Invoice_SETTLED
	return &StreamMessage{
		Kind:  MessageSettlement,
		Event: NewSettlementEvent(invoice.AddIndex, settled, payload),
		Raw:   payload,
	}, nil
}

func (s *grpcStream) Close() error {
	s.cancel()
	return nil
}


package database

import (
	"context"
	"fmt"
	"time"

	"cleandispatch/internal/models"

	"github.com/google/uuid"
)

func (db *DB) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.Status == "" {
		payment.Status = models.PaymentSuccessful
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO payments (id, booking_id, amount, payer_id, payee_id, status, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		payment.ID,
		payment.BookingID,
		payment.Amount,
		payment.PayerID,
		payment.PayeeID,
		payment.Status,
		payment.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment for booking %s: %w", payment.BookingID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (db *DB) GetPaymentByBooking(ctx context.Context, bookingID string) (*models.Payment, error) {
	query := `SELECT id, booking_id, amount, payer_id, payee_id, status, created_at
              FROM payments WHERE booking_id = ?`
	var p models.Payment
	err := db.QueryRowContext(ctx, query, bookingID).Scan(
		&p.ID, &p.BookingID, &p.Amount, &p.PayerID, &p.PayeeID, &p.Status, &p.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "payment for booking "+bookingID)
	}
	return &p, nil
}

func (db *DB) CreateReceipt(ctx context.Context, receipt *models.Receipt) error {
	if receipt.ID == "" {
		receipt.ID = uuid.NewString()
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO receipts (
				id, booking_id, payment_id, amount, customer_id, customer_name,
				provider_id, provider_name, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		receipt.ID,
		receipt.BookingID,
		receipt.PaymentID,
		receipt.Amount,
		receipt.CustomerID,
		receipt.CustomerName,
		receipt.ProviderID,
		receipt.ProviderName,
		receipt.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("receipt for booking %s: %w", receipt.BookingID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create receipt: %w", err)
	}
	return nil
}

func (db *DB) GetReceiptByBooking(ctx context.Context, bookingID string) (*models.Receipt, error) {
	query := `SELECT id, booking_id, payment_id, amount, customer_id, customer_name,
	                 provider_id, provider_name, created_at
              FROM receipts WHERE booking_id = ?`
	var r models.Receipt
	err := db.QueryRowContext(ctx, query, bookingID).Scan(
		&r.ID, &r.BookingID, &r.PaymentID, &r.Amount, &r.CustomerID, &r.CustomerName,
		&r.ProviderID, &r.ProviderName, &r.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "receipt for booking "+bookingID)
	}
	return &r, nil
}

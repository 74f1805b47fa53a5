package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/ledger-notify/api/middleware"
	"github.com/angelmondragon/ledger-notify/api/responses"
	"github.com/angelmondragon/ledger-notify/api/validators"
	"github.com/angelmondragon/ledger-notify/internal/identity"
	"github.com/angelmondragon/ledger-notify/internal/notifications"
	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
	"github.com/angelmondragon/ledger-notify/pkg/pagination"
)

// NotificationService is what the notification endpoints call.
type NotificationService interface {
	Create(ctx context.Context, sess *identity.Session, title, message string) (string, error)
	Trigger(ctx context.Context, sess *identity.Session, key string) (string, error)
	MarkRead(ctx context.Context, sess *identity.Session, id string) error
	MarkAllRead(ctx context.Context, sess *identity.Session, snapshot []notifications.Record) (int, error)
	Snapshot(ctx context.Context, sess *identity.Session) ([]notifications.Record, error)
	List(ctx context.Context, sess *identity.Session, params pagination.Params) (*pagination.Page[notifications.Record], error)
	Unread(ctx context.Context, sess *identity.Session) (int64, error)
}

type createNotificationRequest struct {
	Title   string `json:"title" validate:"required,notblank"`
	Message string `json:"message" validate:"required,notblank"`
}

// ListNotifications returns one page of the caller's inbox, newest first.
func ListNotifications(svc NotificationService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "notifications service unavailable"))
			return
		}

		params, err := validators.ParsePage(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.List(r.Context(), middleware.SessionFromContext(r.Context()), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, page)
	}
}

func UnreadCount(svc NotificationService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "notifications service unavailable"))
			return
		}

		n, err := svc.Unread(r.Context(), middleware.SessionFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]int64{"unread": n})
	}
}

// CreateNotification files a free-form record in the caller's inbox.
func CreateNotification(svc NotificationService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "notifications service unavailable"))
			return
		}

		var body createNotificationRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		id, err := svc.Create(r.Context(), middleware.SessionFromContext(r.Context()), body.Title, body.Message)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func ListEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, notifications.Events())
	}
}

// TriggerEvent simulates the named business event for the caller.
func TriggerEvent(svc NotificationService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "notifications service unavailable"))
			return
		}

		key := strings.TrimSpace(chi.URLParam(r, "event"))
		id, err := svc.Trigger(r.Context(), middleware.SessionFromContext(r.Context()), key)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, map[string]string{"id": id, "event": key})
	}
}

// MarkNotificationRead flags a single notification as read.
func MarkNotificationRead(svc NotificationService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "notifications service unavailable"))
			return
		}

		id := strings.TrimSpace(chi.URLParam(r, "notificationId"))
		if err := svc.MarkRead(r.Context(), middleware.SessionFromContext(r.Context()), id); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]bool{"read": true})
	}
}

// MarkAllNotificationsRead reads the inbox once and marks its unread records
// in a single batch. The read is capped at the inbox snapshot limit, so older
// unread records can survive; "remaining" reports how many are still unread.
// It is omitted when the count itself fails, since the batch already landed.
func MarkAllNotificationsRead(svc NotificationService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "notifications service unavailable"))
			return
		}

		sess := middleware.SessionFromContext(r.Context())
		snapshot, err := svc.Snapshot(r.Context(), sess)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		n, err := svc.MarkAllRead(r.Context(), sess, snapshot)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		body := map[string]any{"updated": n}
		remaining, err := svc.Unread(r.Context(), sess)
		if err != nil {
			if logg != nil {
				logg.Warn(logg.WithField(r.Context(), "error", err.Error()), "count unread after mark all read")
			}
		} else {
			body["remaining"] = remaining
		}
		responses.WriteSuccess(w, body)
	}
}

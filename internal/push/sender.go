package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/metrics"
	"github.com/stepup/flick/internal/repository"
)

const sendTimeout = 10 * time.Second

// Sender отправляет уведомления по сохранённым подпискам пользователя.
// nil-Sender допустим как no-op (пуши выключены конфигом).
type Sender struct {
	keys    *VAPIDKeys
	subs    *repository.PushRepository
	contact string
}

// NewSender создаёт отправителя. contact — mailto для VAPID sub claim.
func NewSender(keys *VAPIDKeys, subs *repository.PushRepository, contact string) *Sender {
	return &Sender{keys: keys, subs: subs, contact: contact}
}

type notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notify шлёт пуш на все подписки пользователя. Ошибки логируются и не
// возвращаются: доставка best-effort, протухшие подписки удаляются.
func (s *Sender) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if s == nil || s.keys == nil {
		return
	}
	subs, err := s.subs.GetByUser(ctx, userID)
	if err != nil {
		logger.Errorf("push: subscriptions for user=%s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(notification{Title: title, Body: body, Data: data})
	if err != nil {
		logger.Errorf("push: marshal notification: %v", err)
		return
	}

	for _, sub := range subs {
		s.sendOne(ctx, userID, sub, payload)
	}
}

func (s *Sender) sendOne(ctx context.Context, userID string, sub repository.PushSubscription, payload []byte) {
	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}
	resp, err := webpush.SendNotification(payload, target, &webpush.Options{
		Subscriber:      s.contact,
		VAPIDPublicKey:  s.keys.PublicKey,
		VAPIDPrivateKey: s.keys.PrivateKey,
		TTL:             60,
	})
	if err != nil {
		metrics.IncPush("error")
		logger.Errorf("push: send user=%s: %v", userID, err)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// Подписка мертва, браузер её отозвал.
		metrics.IncPush("expired")
		if err := s.subs.Delete(ctx, userID, sub.Endpoint); err != nil {
			logger.Errorf("push: delete dead subscription user=%s: %v", userID, err)
		}
	case resp.StatusCode >= 400:
		metrics.IncPush("error")
		logger.Errorf("push: send user=%s: status %d", userID, resp.StatusCode)
	default:
		metrics.IncPush("ok")
	}
}

// PublicKey отдаёт ключ для подписки на клиенте. Пустая строка — пуши выключены.
func (s *Sender) PublicKey() string {
	if s == nil || s.keys == nil {
		return ""
	}
	return s.keys.PublicKey
}

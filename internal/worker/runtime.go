package worker

import (
	"context"
	"encoding/json"

	"github.com/shaiso/Conveyor/internal/canvas"
	"github.com/shaiso/Conveyor/internal/result"
	"github.com/shaiso/Conveyor/internal/tasks"
)

var _ tasks.Runtime = (*Worker)(nil)

// Submit отправляет под-граф от имени выполняющейся задачи.
func (w *Worker) Submit(ctx context.Context, node canvas.Node) (string, error) {
	return w.dispatcher.Submit(ctx, node)
}

// Wait опрашивает хранилище, пока invocation или группа id не завершится.
// Ожидание прерывается отменой ctx, в том числе при отмене задачи.
func (w *Worker) Wait(ctx context.Context, id string) (json.RawMessage, error) {
	r := result.New(w.store, id)
	r.PollInterval = w.waitPoll
	return r.Get(ctx, 0)
}

// QueueFor возвращает очередь, в которую диспетчер опубликует sig.
func (w *Worker) QueueFor(sig *canvas.Signature) string {
	return w.dispatcher.QueueFor(sig, "")
}

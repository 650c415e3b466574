// Package dispatcher отправляет графы задач и продвигает их по мере
// завершения invocation'ов.
//
// Submit замораживает граф, создаёт PENDING-записи всех листьев и записи
// групп, затем публикует готовые к запуску листья. Остаток цепочки
// путешествует вместе с сообщением (link) и запускается в Complete
// после успешного завершения этапа. Chord собирает части header
// атомарно в Result Store; body запускает тот вызов Complete, который
// довёл счётчик до нуля.
//
// Dispatcher не хранит состояния между вызовами: любой воркер может
// продолжить граф, начатый другим процессом.
package dispatcher

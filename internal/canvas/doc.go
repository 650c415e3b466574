// Package canvas строит графы задач.
//
// Включает:
//   - node.go      — Signature, Chain, Group, Chord и конструкторы
//   - freeze.go    — назначение id без отправки, обход графа
//   - transform.go — копирование, Prepend (передача результата этапа)
//   - codec.go     — JSON-кодирование узлов для сообщений и хранилища
//   - parser.go    — разбор workflow-документов, написанных руками
//
// Canvas ничего не отправляет: граф превращается в сообщения
// пакетом dispatcher.
package canvas

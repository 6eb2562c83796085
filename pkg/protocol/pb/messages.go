// Package pb defines the messages exchanged between the game server and its
// presentation clients. Every message is a Message whose Type selects which of
// the optional fields are meaningful.
package pb

import "fmt"

// Version is the protocol revision written into every outgoing message.
const Version = 1

// MessageType discriminates Message.
type MessageType string

const (
	TypeLogin            MessageType = "LOGIN"
	TypeLoginSuccess     MessageType = "LOGIN_SUCCESS"
	TypeLoginError       MessageType = "LOGIN_ERROR"
	TypeLobbyUpdate      MessageType = "LOBBY_UPDATE"
	TypeChallengeRequest MessageType = "CHALLENGE_REQUEST"
	TypeChallengeAccept  MessageType = "CHALLENGE_ACCEPT"
	TypeChallengeDecline MessageType = "CHALLENGE_DECLINE"
	TypeText             MessageType = "TEXT"
	TypeSimple           MessageType = "SIMPLE"
	TypeGameState        MessageType = "GAME_STATE"
	TypeGameMove         MessageType = "GAME_MOVE"
	TypeGameWin          MessageType = "GAME_WIN"
	TypeGameLose         MessageType = "GAME_LOSE"
	TypeGameDraw         MessageType = "GAME_DRAW"
	TypeGameRestart      MessageType = "GAME_RESTART"
	TypeNewUser          MessageType = "NEWUSER"
	TypeDisconnect       MessageType = "DISCONNECT"
)

// Known reports whether t is part of the protocol.
func (t MessageType) Known() bool {
	switch t {
	case TypeLogin, TypeLoginSuccess, TypeLoginError, TypeLobbyUpdate,
		TypeChallengeRequest, TypeChallengeAccept, TypeChallengeDecline,
		TypeText, TypeSimple, TypeGameState, TypeGameMove, TypeGameWin,
		TypeGameLose, TypeGameDraw, TypeGameRestart, TypeNewUser, TypeDisconnect:
		return true
	}
	return false
}

// Message is the single envelope for all protocol traffic.
type Message struct {
	V    int         `json:"v"`
	Type MessageType `json:"type"`

	Username     string   `json:"username,omitempty"`  // sender, or the subject of the event
	Recipient    string   `json:"recipient,omitempty"` // TEXT and challenge target
	Message      string   `json:"message,omitempty"`   // free text
	Column       *int     `json:"column,omitempty"`    // GAME_MOVE only, 0-6
	Board        [][]int  `json:"board,omitempty"`     // 6x7 grid of 0/1/2
	IsPlayerTurn bool     `json:"isPlayerTurn"`        // always sent, false for the waiting side
	PlayerList   []string `json:"playerList,omitempty"`
}

// Validate checks the envelope of a decoded message.
func (m *Message) Validate() error {
	if m.V > Version {
		return fmt.Errorf("pb: unsupported protocol version %d", m.V)
	}
	if !m.Type.Known() {
		return fmt.Errorf("pb: unknown message type %q", m.Type)
	}
	if m.Type == TypeGameMove && m.Column == nil {
		return fmt.Errorf("pb: %s without column", m.Type)
	}
	return nil
}

// ----- Requests (client -> server) -----

func Login(username string) *Message {
	return &Message{V: Version, Type: TypeLogin, Username: username}
}

func Move(column int) *Message {
	return &Message{V: Version, Type: TypeGameMove, Column: &column}
}

func Text(from, to, body string) *Message {
	return &Message{V: Version, Type: TypeText, Username: from, Recipient: to, Message: body}
}

func ChallengeRequest(from, to string) *Message {
	return &Message{V: Version, Type: TypeChallengeRequest, Username: from, Recipient: to}
}

func ChallengeAccept(from, to string) *Message {
	return &Message{V: Version, Type: TypeChallengeAccept, Username: from, Recipient: to}
}

func ChallengeDecline(from, to string) *Message {
	return &Message{V: Version, Type: TypeChallengeDecline, Username: from, Recipient: to}
}

func Restart() *Message {
	return &Message{V: Version, Type: TypeGameRestart}
}

// ----- Events (server -> client) -----

func LoginSuccess(username string) *Message {
	return &Message{V: Version, Type: TypeLoginSuccess, Username: username}
}

func LoginError(reason string) *Message {
	return &Message{V: Version, Type: TypeLoginError, Message: reason}
}

func LobbyUpdate(players []string) *Message {
	return &Message{V: Version, Type: TypeLobbyUpdate, PlayerList: players}
}

func Simple(text string) *Message {
	return &Message{V: Version, Type: TypeSimple, Message: text}
}

func GameState(board [][]int, yourTurn bool) *Message {
	return &Message{V: Version, Type: TypeGameState, Board: board, IsPlayerTurn: yourTurn}
}

// Outcome builds GAME_WIN, GAME_LOSE or GAME_DRAW carrying the final board.
func Outcome(t MessageType, text string, board [][]int) *Message {
	return &Message{V: Version, Type: t, Message: text, Board: board}
}

func NewUser(opponent string) *Message {
	return &Message{V: Version, Type: TypeNewUser, Username: opponent}
}

// Disconnect is sent by a client leaving, and to an opponent naming who left.
func Disconnect(username string) *Message {
	return &Message{V: Version, Type: TypeDisconnect, Username: username}
}

// ColumnOr returns the move column, or def when none was sent.
func (m *Message) ColumnOr(def int) int {
	if m.Column == nil {
		return def
	}
	return *m.Column
}

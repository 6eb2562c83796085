// Package board implements the drop-four game rules: a 6x7 grid where pieces
// fall to the lowest free row of a column and four in a row wins.
//
// The engine is a pure state machine. It performs no I/O and is not safe for
// concurrent use; callers serialize access (see server.Match).
package board

import "strings"

const (
	Rows      = 6
	Cols      = 7
	WinLength = 4
)

// Cell is the content of one board position.
type Cell uint8

const (
	Empty     Cell = iota // no piece
	PlayerOne             // piece of the player who moved first
	PlayerTwo             // piece of the second player
)

// Board is a value type; copying it copies the whole grid.
// Row 0 is the top row, row Rows-1 the bottom.
type Board [Rows][Cols]Cell

// Rows converts the board to a plain integer grid for the wire.
func (b Board) Rows() [][]int {
	out := make([][]int, Rows)
	for r := range b {
		out[r] = make([]int, Cols)
		for c := range b[r] {
			out[r][c] = int(b[r][c])
		}
	}
	return out
}

// String renders the board as six lines of '.', 'X' and 'O'.
func (b Board) String() string {
	var sb strings.Builder
	for r := range b {
		for c := range b[r] {
			switch b[r][c] {
			case PlayerOne:
				sb.WriteByte('X')
			case PlayerTwo:
				sb.WriteByte('O')
			default:
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Engine holds the state of one game between two players.
type Engine struct {
	grid    Board
	players [2]string
	turn    int // index into players
	active  bool
	moves   int
}

// New creates an active game in which first holds the opening turn.
func New(first, second string) *Engine {
	return &Engine{
		players: [2]string{first, second},
		active:  true,
	}
}

// ApplyMove drops a piece for player into column. It reports false and leaves
// the state untouched when the game is not active, it is not player's turn,
// the column is out of range, or the column is full.
func (e *Engine) ApplyMove(player string, column int) bool {
	if !e.active || player != e.players[e.turn] || column < 0 || column >= Cols {
		return false
	}
	if e.grid[0][column] != Empty {
		return false
	}

	for r := Rows - 1; r >= 0; r-- {
		if e.grid[r][column] == Empty {
			e.grid[r][column] = Cell(e.turn + 1)
			break
		}
	}
	e.moves++
	e.turn = 1 - e.turn
	return true
}

// CheckWin reports whether any four equal non-empty cells line up
// horizontally, vertically or on either diagonal.
func (e *Engine) CheckWin() bool {
	directions := [4][2]int{
		{0, 1},  // horizontal
		{1, 0},  // vertical
		{1, 1},  // down-right
		{-1, 1}, // up-right
	}
	for r := 0; r < Rows; r++ {
		for c := 0; c < Cols; c++ {
			v := e.grid[r][c]
			if v == Empty {
				continue
			}
			for _, d := range directions {
				if e.lineFrom(r, c, d[0], d[1], v) {
					return true
				}
			}
		}
	}
	return false
}

func (e *Engine) lineFrom(r, c, dr, dc int, v Cell) bool {
	for i := 1; i < WinLength; i++ {
		rr, cc := r+dr*i, c+dc*i
		if rr < 0 || rr >= Rows || cc < 0 || cc >= Cols || e.grid[rr][cc] != v {
			return false
		}
	}
	return true
}

// CheckDraw reports whether the top row is full. Gravity fills lower rows
// first, so a full top row means a full board.
func (e *Engine) CheckDraw() bool {
	for c := 0; c < Cols; c++ {
		if e.grid[0][c] == Empty {
			return false
		}
	}
	return true
}

// Snapshot returns an independent copy of the grid.
func (e *Engine) Snapshot() Board {
	return e.grid
}

// Reset clears the grid, gives the turn back to the first player and
// reactivates the game.
func (e *Engine) Reset() {
	e.grid = Board{}
	e.turn = 0
	e.moves = 0
	e.active = true
}

// Finish marks the game as over; further moves are rejected until Reset.
func (e *Engine) Finish() { e.active = false }

// Active reports whether moves are currently accepted.
func (e *Engine) Active() bool { return e.active }

// CurrentTurn returns the player expected to move next.
func (e *Engine) CurrentTurn() string { return e.players[e.turn] }

// Players returns the first and second player.
func (e *Engine) Players() (first, second string) { return e.players[0], e.players[1] }

// Moves returns the number of pieces on the board.
func (e *Engine) Moves() int { return e.moves }

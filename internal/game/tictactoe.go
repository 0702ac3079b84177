// Package game holds the tic-tac-toe rules shared by the session protocol.
// It is pure logic: no transport, no store, no clock.
package game

// Mark is one of the two player symbols. The empty string means an
// unclaimed cell.
type Mark string

const (
	MarkX Mark = "X"
	MarkO Mark = "O"
	Empty Mark = ""
)

// Board is the 9-cell grid, row-major.
type Board [9]Mark

// Status of a session.
const (
	StatusActive   = "active"
	StatusFinished = "finished"
)

// Result encodes the outcome of a finished game. Empty means no result yet.
type Result string

const (
	ResultNone  Result = ""
	ResultDraw  Result = "draw"
	ResultXWins Result = "x-wins"
	ResultOWins Result = "o-wins"
)

// winLines are the eight three-in-a-row index triples.
var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Other returns the opposing mark.
func Other(m Mark) Mark {
	if m == MarkX {
		return MarkO
	}
	return MarkX
}

// CheckWinner scans the eight lines and the full-board draw condition.
func CheckWinner(b Board) Result {
	for _, line := range winLines {
		a := b[line[0]]
		if a != Empty && a == b[line[1]] && a == b[line[2]] {
			if a == MarkX {
				return ResultXWins
			}
			return ResultOWins
		}
	}
	if IsFull(b) {
		return ResultDraw
	}
	return ResultNone
}

// IsFull reports whether every cell holds a mark.
func IsFull(b Board) bool {
	for _, c := range b {
		if c == Empty {
			return false
		}
	}
	return true
}

// ValidMove reports whether player may claim cell on the given board with
// the given turn. This is the honest-client check applied before sending a
// move; inbound moves are applied verbatim and never pass through it.
func ValidMove(b Board, current Mark, player Mark, cell int) bool {
	if cell < 0 || cell > 8 {
		return false
	}
	if b[cell] != Empty {
		return false
	}
	return current == player
}

// Apply claims cell for player and returns the resolved next state:
// the new board, the next turn, the session status, and the winner.
// Callers must have validated the move first.
func Apply(b Board, player Mark, cell int) (Board, Mark, string, Result) {
	b[cell] = player
	winner := CheckWinner(b)
	status := StatusActive
	if winner != ResultNone {
		status = StatusFinished
	}
	return b, Other(player), status, winner
}

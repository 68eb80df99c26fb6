package gamemanager

import "github.com/herohde/centaurmods/pkg/board"

// InvalidSquare marks "no square" in physical (board-wire) coordinates, matching the
// sentinel used throughout the host-side move-tracking state.
const InvalidSquare = -1

const boardWidth = 8

// ToBoardSquare converts a physical square index (0..63, A1=0, standard file order a..h)
// as reported by the board hardware into a board.Square (0..63, H1=0, file-reversed, the
// bitboard-oriented numbering pkg/board's move generator expects). The board's rank
// numbering already agrees between the two conventions; only the file is mirrored within
// the rank, which makes the conversion its own inverse.
func ToBoardSquare(physical int) board.Square {
	rank, file := physical/boardWidth, physical%boardWidth
	return board.Square(rank*boardWidth + (boardWidth - 1 - file))
}

// ToPhysicalSquare converts a board.Square back to the physical numbering. See
// ToBoardSquare: the transform is an involution, so this is the identical formula.
func ToPhysicalSquare(sq board.Square) int {
	rank, file := int(sq)/boardWidth, int(sq)%boardWidth
	return rank*boardWidth + (boardWidth - 1 - file)
}

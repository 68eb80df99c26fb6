// Package gamemanager reconciles physical piece-lift/piece-place events against a logical
// chess position, executes legal moves atomically against both the in-memory board and the
// persistent store, and drives correction-mode LED guidance when the two boards disagree.
package gamemanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/herohde/centaurmods/pkg/board"
	"github.com/herohde/centaurmods/pkg/board/fen"
	"github.com/herohde/centaurmods/pkg/controller"
	"github.com/herohde/centaurmods/pkg/ledguide"
	"github.com/seekerror/logw"
)

// zobristSeed is fixed rather than time-derived: the table only needs internal
// consistency for one process's repetition detection, not true randomness.
const zobristSeed = 20230401

var zt = board.NewZobristTable(zobristSeed)

func newStartBoard() *board.Board {
	pos, turn, noprogress, fullmoves, err := fen.Decode(fen.Initial)
	if err != nil {
		panic(fmt.Sprintf("gamemanager: decoding the initial position failed: %v", err))
	}
	return board.NewBoard(zt, pos, turn, noprogress, fullmoves)
}

// NewStartBoard returns a fresh board at the standard chess starting position, suitable as
// the b argument to New.
func NewStartBoard() *board.Board {
	return newStartBoard()
}

const minUCIMoveLength = 4

// Display is the subset of pkg/display's driver the game manager needs to render move and
// correction-mode feedback. Defined here, not imported from pkg/display, so this package
// depends only on the behavior it uses.
type Display interface {
	LEDsOff()
	LED(square int)
	LEDFromTo(from, to int)
	LEDArray(squares []int)
	Beep(name string)
}

// Store is the subset of pkg/store's persistence API the game manager needs to record
// moves as they're played. AddMove must not commit; Commit/Rollback bound the transaction
// that began with CreateGame or the first AddMove of a game.
type Store interface {
	CreateGame(ctx context.Context) (gameID string, err error)
	AddMove(ctx context.Context, gameID string, ply int, uci, fen string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	SetResult(ctx context.Context, gameID string, result board.Result) error
}

// MoveState tracks the in-progress lift/place sequence. Squares are physical (A1=0).
type MoveState struct {
	SourceSquare         int
	SourceColor          board.Color
	LegalDestinations    map[int]bool
	OpponentSourceSquare int
	IsForcedMove         bool
	ComputerMoveUCI      string
}

func newMoveState() MoveState {
	return MoveState{SourceSquare: InvalidSquare, OpponentSourceSquare: InvalidSquare}
}

// CorrectionMode holds the expected (logical) occupancy snapshot while the physical board
// disagrees with it. The logical board is always the authority; correction mode never
// mutates it, only asks the human to make the physical board match.
type CorrectionMode struct {
	active   bool
	expected [64]bool
}

func (c *CorrectionMode) Active() bool { return c.active }

func (c *CorrectionMode) Enter(expected [64]bool) {
	c.active = true
	c.expected = expected
}

func (c *CorrectionMode) Exit() {
	c.active = false
}

// MoveCallback is invoked after every successfully pushed move, before turn/result state
// settles, so subscribers (the opponent driver, refresh) see moves in game order.
type MoveCallback func(m board.Move)

// Manager coordinates one game's physical/logical reconciliation. It is not safe for
// concurrent use from multiple goroutines without external synchronization beyond what
// ReceiveField/ReceiveKey/HandleResign/HandleDraw provide internally.
type Manager struct {
	mu sync.Mutex

	b *board.Board

	disp  Display
	store Store

	state      MoveState
	correction CorrectionMode

	current [64]bool // last known physical occupancy, from field events

	gameID     string
	ply        int
	inProgress bool

	onMove   MoveCallback
	onResult func(board.Result)
}

// New constructs a Manager over an already-initialized board and wiring for LEDs/sound and
// persistence. The board's starting position is assumed to match the physical board.
func New(b *board.Board, disp Display, store Store) *Manager {
	m := &Manager{b: b, disp: disp, store: store, state: newMoveState()}
	for sq := board.Square(0); sq < 64; sq++ {
		if _, _, ok := b.Position().Square(sq); ok {
			m.current[ToPhysicalSquare(sq)] = true
		}
	}
	return m
}

// OnMove registers the callback invoked after each move is pushed.
func (m *Manager) OnMove(fn MoveCallback) { m.onMove = fn }

// OnResult registers the callback invoked when the game concludes.
func (m *Manager) OnResult(fn func(board.Result)) { m.onResult = fn }

// SetComputerMove arms the manager to expect the given UCI move as the next physical
// lift/place sequence and lights the LEDs guiding the human through it. The move is not
// applied to the board until the matching physical lift and place events arrive; the
// computer never moves the piece itself.
func (m *Manager) SetComputerMove(uci string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.IsForcedMove = true
	m.state.ComputerMoveUCI = uci
	if from, to, ok := uciSquares(uci); ok {
		m.disp.LEDFromTo(from, to)
	}
}

// IsGameInProgress reports whether a move has been played and the result is still open.
func (m *Manager) IsGameInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgress && m.b.Result().Outcome == board.Undecided
}

func (m *Manager) expectedOccupancy() [64]bool {
	var out [64]bool
	for sq := board.Square(0); sq < 64; sq++ {
		if _, _, ok := m.b.Position().Square(sq); ok {
			out[ToPhysicalSquare(sq)] = true
		}
	}
	return out
}

// ReceiveField processes one physical field-activity notification (lift or place) at the
// given physical square. It matches the dispatcher ordering used upstream: takeback
// detection runs on placement (a placement that restores the pre-move occupancy, not a
// lift, is what carries the signal), before correction-mode routing, which runs before
// starting-position abandonment detection, which runs before the ordinary lift/place
// handlers.
func (m *Manager) ReceiveField(ctx context.Context, e controller.PieceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	square := e.Square
	lift := e.Kind == controller.Lift
	m.current[square] = !lift

	if !lift {
		if ok := m.checkTakeback(ctx); ok {
			return
		}
	}

	if m.correction.Active() {
		m.handleFieldEventInCorrectionMode(ctx, square, lift)
		return
	}

	if !lift && m.isStartingPosition() && m.inProgress {
		logw.Warningf(ctx, "gamemanager: starting position reassembled mid-game, abandoning")
		m.resetGame()
		return
	}

	if lift {
		m.handlePieceLift(ctx, square)
	} else {
		m.handlePiecePlace(ctx, square)
	}
}

// ReceiveKey processes a button event. BACK is special-cased upstream as a request to go
// back on the display, but only while a game is in progress; otherwise it passes through
// to the caller via the ok return so the display layer can handle menu navigation itself.
func (m *Manager) ReceiveKey(e controller.KeyEvent) (backPressed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.Key == controller.KeyBack && e.Down && m.inProgress {
		return true
	}
	return false
}

func (m *Manager) isStartingPosition() bool {
	return m.current == managerOccupancy(newStartBoard())
}

func managerOccupancy(b *board.Board) [64]bool {
	var out [64]bool
	for sq := board.Square(0); sq < 64; sq++ {
		if _, _, ok := b.Position().Square(sq); ok {
			out[ToPhysicalSquare(sq)] = true
		}
	}
	return out
}

// checkTakeback is evaluated on a placement: a takeback is recognized when the resulting
// physical occupancy snapshot matches the logical snapshot from immediately before the
// last move was pushed, per the board's own move history (which, absent desync, reflects
// what the physical board looked like at that point). This is a real snapshot-equality
// test, not a tautology: a placement that continues a new, different move pops to a
// position whose occupancy will not match the current physical board, so the speculative
// pop is restored and normal placement handling proceeds.
func (m *Manager) checkTakeback(ctx context.Context) bool {
	last, ok := m.b.LastMove()
	if !ok {
		return false
	}

	if _, ok := m.b.PopMove(); !ok {
		return false
	}

	if m.current != managerOccupancy(m.b) {
		m.b.PushMove(last) // not a takeback: restore and let normal handling run
		return false
	}

	if m.state.IsForcedMove && m.state.ComputerMoveUCI != "" {
		if from, to, ok := uciSquares(m.state.ComputerMoveUCI); ok {
			m.disp.LEDFromTo(from, to)
		}
	}

	m.state = newMoveState()
	m.ply--
	logw.Infof(ctx, "gamemanager: takeback of %v", last)
	return true
}

func uciSquares(uci string) (from, to int, ok bool) {
	if len(uci) < minUCIMoveLength {
		return 0, 0, false
	}
	fromSq, err := board.ParseSquare([]rune(uci)[0], []rune(uci)[1])
	if err != nil {
		return 0, 0, false
	}
	toSq, err := board.ParseSquare([]rune(uci)[2], []rune(uci)[3])
	if err != nil {
		return 0, 0, false
	}
	return ToPhysicalSquare(fromSq), ToPhysicalSquare(toSq), true
}

func (m *Manager) enterCorrectionMode(ctx context.Context) {
	m.correction.Enter(m.expectedOccupancy())
	logw.Warningf(ctx, "gamemanager: entered correction mode, fen=%v", m.b.String())
}

func (m *Manager) exitCorrectionMode() {
	m.correction.Exit()
	m.disp.LEDsOff()

	m.state.SourceSquare = InvalidSquare
	m.state.LegalDestinations = nil
	m.state.OpponentSourceSquare = InvalidSquare

	if m.state.IsForcedMove && m.state.ComputerMoveUCI != "" {
		if from, to, ok := uciSquares(m.state.ComputerMoveUCI); ok {
			m.disp.LEDFromTo(from, to)
		}
	}
}

func (m *Manager) handleFieldEventInCorrectionMode(ctx context.Context, square int, lift bool) {
	if !lift && m.isStartingPosition() {
		logw.Warningf(ctx, "gamemanager: starting position reassembled during correction, abandoning")
		m.resetGame()
		return
	}

	if m.current == m.correction.expected {
		m.exitCorrectionMode()
		return
	}
	m.provideCorrectionGuidance(ctx)
}

func (m *Manager) provideCorrectionGuidance(ctx context.Context) {
	cmd := ledguide.Plan(m.current, m.correction.expected)
	switch cmd.Kind {
	case ledguide.Off:
		m.disp.LEDsOff()
	case ledguide.Move:
		m.disp.LEDsOff()
		m.disp.LEDFromTo(cmd.From, cmd.To)
		logw.Warningf(ctx, "gamemanager: guiding piece from %v to %v", cmd.From, cmd.To)
	case ledguide.Individual:
		m.disp.LEDsOff()
		for _, sq := range cmd.Squares {
			m.disp.LED(sq)
		}
	case ledguide.Flash:
		m.disp.LEDsOff()
		m.disp.LEDArray(cmd.Squares)
	}
}

func (m *Manager) handlePieceLift(ctx context.Context, square int) {
	color, _, ok := m.b.Position().Square(ToBoardSquare(square))
	if !ok {
		// Opponent's piece being removed to make room for a capture: remember the square
		// so the subsequent place can recover the captured piece's color.
		m.state.OpponentSourceSquare = square
		return
	}

	if color != m.b.Turn() {
		m.state.OpponentSourceSquare = square
		return
	}

	dests := map[int]bool{}
	for _, mv := range m.b.Position().LegalMoves(m.b.Turn()) {
		if ToPhysicalSquare(mv.From) == square {
			dests[ToPhysicalSquare(mv.To)] = true
		}
	}

	if m.state.IsForcedMove {
		from, to, ok := uciSquares(m.state.ComputerMoveUCI)
		if ok && square != from {
			// Wrong piece lifted during a forced move: restrict to putting it back.
			m.state.SourceSquare = square
			m.state.SourceColor = color
			m.state.LegalDestinations = map[int]bool{square: true}
			return
		}
		if ok {
			m.state.SourceSquare = square
			m.state.SourceColor = color
			m.state.LegalDestinations = map[int]bool{to: true}
			return
		}
	}

	m.state.SourceSquare = square
	m.state.SourceColor = color
	m.state.LegalDestinations = dests
}

func (m *Manager) handlePiecePlace(ctx context.Context, square int) {
	if m.state.SourceSquare == InvalidSquare {
		if m.state.OpponentSourceSquare != InvalidSquare && square == m.state.OpponentSourceSquare {
			// Opponent piece returned to its own square (not captured after all).
			m.state.OpponentSourceSquare = InvalidSquare
			return
		}
		// PLACE with no matching LIFT: either stale data from a just-exited correction
		// mode, or a genuine desync. Treat as a potential desync and verify.
		if m.current != m.expectedOccupancy() {
			m.enterCorrectionMode(ctx)
		}
		return
	}

	if square == m.state.SourceSquare {
		// Piece returned to its source: move aborted.
		m.state = newMoveState()
		return
	}

	if !m.state.LegalDestinations[square] {
		// checkTakeback already ran for this placement in ReceiveField and would have
		// returned before handlePiecePlace was ever called, so reaching here means this
		// really is an illegal placement.
		logw.Warningf(ctx, "gamemanager: illegal placement at %v, entering correction mode", square)
		m.enterCorrectionMode(ctx)
		return
	}

	m.executeMove(ctx, m.state.SourceSquare, square)
}

func (m *Manager) executeMove(ctx context.Context, from, to int) {
	if m.b.Result().Outcome != board.Undecided {
		logw.Warningf(ctx, "gamemanager: move after game end ignored")
		m.state = newMoveState()
		return
	}

	fromSq, toSq := ToBoardSquare(from), ToBoardSquare(to)
	uci := fmt.Sprintf("%v%v", fromSq, toSq)
	if m.state.IsForcedMove && m.state.ComputerMoveUCI != "" {
		uci = m.state.ComputerMoveUCI
	}

	partial, err := board.ParseMove(uci)
	if err != nil {
		logw.Errorf(ctx, "gamemanager: invalid move %v: %v", uci, err)
		m.enterCorrectionMode(ctx)
		return
	}

	// Auto-default to queen promotion when the destination rank demands one and the
	// human placed the piece with no promotion suffix (there's no way to select a
	// different piece on a physical board without a menu prompt).
	if partial.Promotion == board.NoPiece {
		if promo, ok := defaultPromotion(m.b, fromSq, toSq); ok {
			partial.Promotion = promo
		}
	}

	move, ok := m.b.Position().ResolveMove(m.b.Turn(), board.Move{From: fromSq, To: toSq, Promotion: partial.Promotion})
	if !ok {
		logw.Warningf(ctx, "gamemanager: %v is not legal, entering correction mode", uci)
		m.enterCorrectionMode(ctx)
		return
	}

	firstMove := m.gameID == ""
	if firstMove {
		id, err := m.store.CreateGame(ctx)
		if err != nil {
			logw.Errorf(ctx, "gamemanager: create game failed: %v", err)
			m.enterCorrectionMode(ctx)
			return
		}
		m.gameID = id

		// A move row is recorded for every position including the initial one, so P4
		// (the stored FEN matches the position after push) is checkable at ply 0 too.
		startFEN := boardFEN(m.b)
		if err := m.store.AddMove(ctx, m.gameID, 0, "", startFEN); err != nil {
			logw.Errorf(ctx, "gamemanager: recording initial position failed: %v", err)
			if rbErr := m.store.Rollback(ctx); rbErr != nil {
				logw.Errorf(ctx, "gamemanager: rollback failed: %v", rbErr)
			}
			m.gameID = ""
			m.enterCorrectionMode(ctx)
			return
		}
	}

	if !m.b.PushMove(move) {
		if rbErr := m.store.Rollback(ctx); rbErr != nil {
			logw.Errorf(ctx, "gamemanager: rollback failed: %v", rbErr)
		}
		if firstMove {
			m.gameID = ""
		}
		logw.Errorf(ctx, "gamemanager: push of resolved legal move %v failed unexpectedly", move)
		m.enterCorrectionMode(ctx)
		return
	}

	if err := m.store.AddMove(ctx, m.gameID, m.ply+1, move.String(), boardFEN(m.b)); err != nil {
		logw.Errorf(ctx, "gamemanager: record move failed: %v", err)
		if rbErr := m.store.Rollback(ctx); rbErr != nil {
			logw.Errorf(ctx, "gamemanager: rollback failed: %v", rbErr)
		}
		if firstMove {
			m.gameID = ""
		}
		m.b.PopMove()
		m.enterCorrectionMode(ctx)
		return
	}

	if err := m.store.Commit(ctx); err != nil {
		logw.Errorf(ctx, "gamemanager: commit failed: %v", err)
	}
	m.ply++
	m.inProgress = true

	if m.onMove != nil {
		m.onMove(move)
	}

	if m.current != m.expectedOccupancy() {
		m.enterCorrectionMode(ctx)
	}

	m.state = newMoveState()
	m.disp.LEDsOff()
	m.disp.Beep("move")
	m.disp.LED(ToPhysicalSquare(move.To))

	if len(m.b.Position().LegalMoves(m.b.Turn())) == 0 {
		m.finish(ctx, m.b.AdjudicateNoLegalMoves())
	} else if m.b.Result().Outcome != board.Undecided {
		// PushMove already adjudicated a draw (repetition, no-progress, insufficient material).
		m.finish(ctx, m.b.Result())
	}
}

func boardFEN(b *board.Board) string {
	return fen.Encode(b.Position(), b.Turn(), b.NoProgress(), b.FullMoves())
}

func defaultPromotion(b *board.Board, from, to board.Square) (board.Piece, bool) {
	color, piece, ok := b.Position().Square(from)
	if !ok || piece != board.Pawn {
		return 0, false
	}
	backRank := to.Rank() == 7
	if color == board.Black {
		backRank = to.Rank() == 0
	}
	if !backRank {
		return 0, false
	}
	return board.Queen, true
}

func (m *Manager) finish(ctx context.Context, result board.Result) {
	if err := m.store.SetResult(ctx, m.gameID, result); err != nil {
		logw.Errorf(ctx, "gamemanager: persisting result failed: %v", err)
	}
	m.inProgress = false
	if m.onResult != nil {
		m.onResult(result)
	}
}

func (m *Manager) resetGame() {
	m.b = newStartBoard()
	m.state = newMoveState()
	m.correction.Exit()
	m.gameID = ""
	m.ply = 0
	m.inProgress = false
	m.disp.LEDsOff()
}

// HandleResign records a resignation by the side to move's opponent winning.
func (m *Manager) HandleResign(ctx context.Context, resigning board.Color) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.b.Adjudicate(board.Result{Outcome: board.Loss(resigning)})
	m.disp.Beep("resign")
	m.disp.LEDsOff()
	m.finish(ctx, m.b.Result())
}

// HandleDraw records an agreed draw.
func (m *Manager) HandleDraw(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.b.Adjudicate(board.Result{Outcome: board.Draw})
	m.disp.Beep("draw")
	m.disp.LEDsOff()
	m.finish(ctx, m.b.Result())
}

package record

// Column accumulates the values of one column across a chunk of
// records, as a dense array of fixed-size fields.
type Column struct {
	ColID    int
	FieldLen int32
	data     []byte
	count    int
}

func NewColumn(colID int, fieldLen int32) *Column {
	return &Column{ColID: colID, FieldLen: fieldLen}
}

func (c *Column) Append(field []byte) {
	c.data = append(c.data, field...)
	c.count++
}

func (c *Column) Count() int { return c.count }

// ValueAt returns the i-th field. The slice aliases the column buffer.
func (c *Column) ValueAt(i int) []byte {
	off := int32(i) * c.FieldLen
	return c.data[off : off+c.FieldLen]
}

func (c *Column) Reset() {
	c.data = c.data[:0]
	c.count = 0
}

// Chunk is a batch of rows materialised column by column.
type Chunk struct {
	Columns []*Column
}

func (ch *Chunk) AddColumn(col *Column) {
	ch.Columns = append(ch.Columns, col)
}

// Rows returns how many rows the chunk holds.
func (ch *Chunk) Rows() int {
	if len(ch.Columns) == 0 {
		return 0
	}
	return ch.Columns[0].Count()
}

func (ch *Chunk) Reset() {
	for _, c := range ch.Columns {
		c.Reset()
	}
}

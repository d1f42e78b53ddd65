package layer

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/layerparallel/braidnet/internal/tensor"
)

// Cell is a single LSTM time step, shared by every rank in the RNN bridge:
// each rank holds one Cell, not a per-step sequence of them. It is adapted
// from a whole-sequence LSTM layer by pulling one iteration of the time loop
// out into Step: MGRIT owns the time axis here, not the cell.
type Cell struct {
	InputSize  int
	HiddenSize int

	WeightIH *tensor.Tensor
	WeightHH *tensor.Tensor
	BiasIH   *tensor.Tensor
	BiasHH   *tensor.Tensor

	gradWeightIH *tensor.Tensor
	gradWeightHH *tensor.Tensor
	gradBiasIH   *tensor.Tensor
	gradBiasHH   *tensor.Tensor
}

func NewCell(inputSize, hiddenSize int) *Cell {
	gateSize := 4 * hiddenSize

	weightIH := tensor.Zeros(inputSize, gateSize)
	weightHH := tensor.Zeros(hiddenSize, gateSize)
	initCellWeights(weightIH, inputSize)
	initCellWeights(weightHH, hiddenSize)

	biasIH := tensor.Zeros(gateSize)
	biasHH := tensor.Zeros(gateSize)
	for i := 0; i < hiddenSize; i++ {
		biasIH.Data[i] = 1.0
		biasHH.Data[i] = 1.0
	}

	return &Cell{
		InputSize:  inputSize,
		HiddenSize: hiddenSize,
		WeightIH:   weightIH,
		WeightHH:   weightHH,
		BiasIH:     biasIH,
		BiasHH:     biasHH,
	}
}

func initCellWeights(weight *tensor.Tensor, fanIn int) {
	std := 1.0 / math.Sqrt(float64(fanIn))
	for i := range weight.Data {
		weight.Data[i] = (rand.Float64()*2.0 - 1.0) * std
	}
}

// Step advances the cell by one time step: x has shape (batch, inputSize),
// h and c have shape (batch, hiddenSize).
func (c *Cell) Step(x, h, cellState *tensor.Tensor) (hNext, cNext *tensor.Tensor) {
	batchSize := x.Shape[0]
	gates := c.computeGates(x, h)

	forget := sigmoidStable(extractGate(gates, 0, batchSize, c.HiddenSize))
	input := sigmoidStable(extractGate(gates, 1, batchSize, c.HiddenSize))
	candidate := tanhActivation(extractGate(gates, 2, batchSize, c.HiddenSize))
	output := sigmoidStable(extractGate(gates, 3, batchSize, c.HiddenSize))

	cNext = cellState.Mul(forget).Add(input.Mul(candidate))
	hNext = output.Mul(tanhActivation(cNext))
	return hNext, cNext
}

func (c *Cell) computeGates(x, h *tensor.Tensor) *tensor.Tensor {
	ih := x.MatMul(c.WeightIH)
	hh := h.MatMul(c.WeightHH)

	batchSize := x.Shape[0]
	gateSize := 4 * c.HiddenSize
	gates := tensor.Zeros(batchSize, gateSize)
	for b := 0; b < batchSize; b++ {
		for g := 0; g < gateSize; g++ {
			idx := b*gateSize + g
			gates.Data[idx] = ih.Data[idx] + hh.Data[idx] + c.BiasIH.Data[g] + c.BiasHH.Data[g]
		}
	}
	return gates
}

func extractGate(gates *tensor.Tensor, gateIdx, batchSize, hiddenSize int) *tensor.Tensor {
	gate := tensor.Zeros(batchSize, hiddenSize)
	offset := gateIdx * hiddenSize
	for b := 0; b < batchSize; b++ {
		for h := 0; h < hiddenSize; h++ {
			srcIdx := b*4*hiddenSize + offset + h
			dstIdx := b*hiddenSize + h
			gate.Data[dstIdx] = gates.Data[srcIdx]
		}
	}
	return gate
}

func sigmoidStable(x *tensor.Tensor) *tensor.Tensor {
	result := x.Copy()
	for i := range result.Data {
		val := math.Max(math.Min(result.Data[i], 20.0), -20.0)
		result.Data[i] = 1.0 / (1.0 + math.Exp(-val))
	}
	return result
}

func tanhActivation(x *tensor.Tensor) *tensor.Tensor {
	result := x.Copy()
	for i := range result.Data {
		result.Data[i] = math.Tanh(result.Data[i])
	}
	return result
}

func (c *Cell) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{c.WeightIH, c.WeightHH, c.BiasIH, c.BiasHH}
}

func (c *Cell) Gradients() []*tensor.Tensor {
	return []*tensor.Tensor{c.gradWeightIH, c.gradWeightHH, c.gradBiasIH, c.gradBiasHH}
}

func (c *Cell) ZeroGradients() {
	c.gradWeightIH, c.gradWeightHH, c.gradBiasIH, c.gradBiasHH = nil, nil, nil, nil
}

func (c *Cell) Name() string {
	return fmt.Sprintf("LSTMCell(%d, %d)", c.InputSize, c.HiddenSize)
}

func (c *Cell) Serialize() ([]byte, error) {
	wire := struct {
		InputSize  int       `json:"input_size"`
		HiddenSize int       `json:"hidden_size"`
		WeightIH   []float64 `json:"weight_ih"`
		WeightHH   []float64 `json:"weight_hh"`
		BiasIH     []float64 `json:"bias_ih"`
		BiasHH     []float64 `json:"bias_hh"`
	}{
		InputSize:  c.InputSize,
		HiddenSize: c.HiddenSize,
		WeightIH:   c.WeightIH.Data,
		WeightHH:   c.WeightHH.Data,
		BiasIH:     c.BiasIH.Data,
		BiasHH:     c.BiasHH.Data,
	}
	return json.Marshal(wire)
}

func (c *Cell) Deserialize(data []byte) error {
	var wire struct {
		InputSize  int       `json:"input_size"`
		HiddenSize int       `json:"hidden_size"`
		WeightIH   []float64 `json:"weight_ih"`
		WeightHH   []float64 `json:"weight_hh"`
		BiasIH     []float64 `json:"bias_ih"`
		BiasHH     []float64 `json:"bias_hh"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("layer: deserialize cell: %w", err)
	}
	c.InputSize = wire.InputSize
	c.HiddenSize = wire.HiddenSize
	gateSize := 4 * wire.HiddenSize
	c.WeightIH = tensor.FromData(wire.WeightIH, wire.InputSize, gateSize)
	c.WeightHH = tensor.FromData(wire.WeightHH, wire.HiddenSize, gateSize)
	c.BiasIH = tensor.FromData(wire.BiasIH, gateSize)
	c.BiasHH = tensor.FromData(wire.BiasHH, gateSize)
	return nil
}
